package featurehog

// Version is reported to the ingestion service as $lib_version on every
// captured event.
const Version = "0.4.0"

const libName = "featurehog-go"
