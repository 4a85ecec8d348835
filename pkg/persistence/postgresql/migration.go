package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Journeys and their step graphs
			CREATE TABLE journeys (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL,
				inclusion_criteria JSONB,
				is_active BOOLEAN NOT NULL DEFAULT false,
				is_paused BOOLEAN NOT NULL DEFAULT false,
				is_stopped BOOLEAN NOT NULL DEFAULT false,
				is_deleted BOOLEAN NOT NULL DEFAULT false,
				is_dynamic BOOLEAN NOT NULL DEFAULT false,
				visual_layout JSONB,
				started_at TIMESTAMP WITH TIME ZONE,
				latest_pause TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_journeys_workspace_id ON journeys(workspace_id);
			CREATE INDEX idx_journeys_active ON journeys(is_active) WHERE is_active AND NOT is_deleted;

			CREATE TABLE steps (
				id TEXT PRIMARY KEY,
				journey_id TEXT NOT NULL REFERENCES journeys(id) ON DELETE CASCADE,
				workspace_id TEXT NOT NULL,
				type VARCHAR(50) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				position INT NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_steps_journey_id ON steps(journey_id);

			-- Customers and journey membership
			CREATE TABLE customers (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				email VARCHAR(255),
				phone VARCHAR(64),
				attributes JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_customers_workspace_id ON customers(workspace_id);

			CREATE TABLE customer_journeys (
				customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
				journey_id TEXT NOT NULL,
				added_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (customer_id, journey_id)
			);

			-- One row per enrolled customer; move_started and lock_token form the processing lock
			CREATE TABLE journey_locations (
				journey_id TEXT NOT NULL,
				customer_id TEXT NOT NULL,
				workspace_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				step_entry BIGINT NOT NULL,
				step_entry_at TIMESTAMP WITH TIME ZONE NOT NULL,
				journey_entry BIGINT NOT NULL,
				journey_entry_at TIMESTAMP WITH TIME ZONE NOT NULL,
				move_started BIGINT,
				lock_token TEXT,
				message_sent BOOLEAN NOT NULL DEFAULT false,
				PRIMARY KEY (journey_id, customer_id)
			);

			CREATE INDEX idx_journey_locations_customer_id ON journey_locations(customer_id);
			CREATE INDEX idx_journey_locations_step_entry ON journey_locations(journey_id, step_entry);
		`,
		2: `
			-- Workspaces, message templates and delivery tracking
			CREATE TABLE workspaces (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
				channels JSONB NOT NULL DEFAULT '{}'
			);

			CREATE TABLE templates (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL,
				channel VARCHAR(50) NOT NULL,
				subject TEXT,
				body TEXT NOT NULL
			);

			CREATE TABLE delivery_events (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				journey_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				customer_id TEXT NOT NULL,
				template_id TEXT,
				message_id TEXT,
				event VARCHAR(50) NOT NULL,
				event_provider VARCHAR(50) NOT NULL,
				error TEXT,
				processed BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_delivery_events_journey_id ON delivery_events(journey_id);
			CREATE INDEX idx_delivery_events_customer_id ON delivery_events(customer_id);
		`,
	}
}
