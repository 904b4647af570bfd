package store

// Schema creates the two logical tables of the message box plus the
// adapter registry. Applied by integration tests and by ops tooling; the
// service itself never migrates on boot.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id BIGINT PRIMARY KEY,
	interface_name VARCHAR(255) NOT NULL,
	producer_adapter_name VARCHAR(255) NOT NULL,
	producer_adapter_type VARCHAR(255) NOT NULL,
	producer_adapter_instance_id VARCHAR(255) NOT NULL,
	payload BYTEA NOT NULL,
	content_hash VARCHAR(64) NOT NULL,
	status VARCHAR(20) NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	lease_expires_at TIMESTAMP WITH TIME ZONE,
	last_retry_at TIMESTAMP WITH TIME ZONE,
	error_message TEXT,
	is_dead_letter BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	processed_at TIMESTAMP WITH TIME ZONE
);
CREATE TABLE IF NOT EXISTS subscriptions (
	message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	interface_name VARCHAR(255) NOT NULL,
	subscriber_name VARCHAR(255) NOT NULL,
	status VARCHAR(20) NOT NULL,
	processing_details TEXT,
	error_message TEXT,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	processed_at TIMESTAMP WITH TIME ZONE,
	PRIMARY KEY (message_id, subscriber_name)
);
CREATE TABLE IF NOT EXISTS adapters (
	name VARCHAR(255) NOT NULL,
	instance_id VARCHAR(255) NOT NULL,
	adapter_type VARCHAR(255) NOT NULL,
	direction VARCHAR(20) NOT NULL,
	last_seen TIMESTAMP WITH TIME ZONE NOT NULL,
	PRIMARY KEY (name, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_read ON messages (interface_name, retry_count, created_at)
	WHERE status IN ('Pending', 'Error') AND NOT is_dead_letter;
CREATE INDEX IF NOT EXISTS idx_messages_dedup ON messages (content_hash, interface_name, producer_adapter_name, producer_adapter_instance_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_leases ON messages (lease_expires_at) WHERE status = 'InProgress';
CREATE INDEX IF NOT EXISTS idx_messages_dead ON messages (interface_name) WHERE is_dead_letter;
CREATE INDEX IF NOT EXISTS idx_subscriptions_message ON subscriptions (message_id, status);
`
