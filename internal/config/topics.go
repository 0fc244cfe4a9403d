package config

// NSQ topics for the ingestion pipeline.
const (
	// TopicIngestTask carries document ids whose ingestion should run
	// (fresh uploads and manual retries alike).
	TopicIngestTask = "ingest.task"
)

// ChannelPipeline is the consumer channel the pipeline workers share,
// so NSQ load-balances documents across them.
const ChannelPipeline = "pipeline"
