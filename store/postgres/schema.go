package postgres

// Schema of the tables the store reads and writes. House, room and membership
// rows are owned by the dashboard; only the columns used here are listed.
const Schema = `
CREATE TABLE IF NOT EXISTS houses (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	length INTEGER NOT NULL DEFAULT 0,
	grid JSONB
);

CREATE TABLE IF NOT EXISTS house_members (
	id BIGSERIAL PRIMARY KEY,
	house_id BIGINT NOT NULL REFERENCES houses(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL,
	role TEXT NOT NULL DEFAULT 'occupant',
	status TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (house_id, user_id)
);

CREATE TABLE IF NOT EXISTS sensors (
	id BIGSERIAL PRIMARY KEY,
	house_id BIGINT NOT NULL REFERENCES houses(id) ON DELETE CASCADE,
	room_id BIGINT,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	value DOUBLE PRECISION,
	unit TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_update TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS equipments (
	id BIGSERIAL PRIMARY KEY,
	house_id BIGINT NOT NULL REFERENCES houses(id) ON DELETE CASCADE,
	room_id BIGINT,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'off',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	allowed_roles TEXT[],
	last_update TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS automation_rules (
	id BIGSERIAL PRIMARY KEY,
	house_id BIGINT NOT NULL REFERENCES houses(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	sensor_id BIGINT NOT NULL,
	condition_operator TEXT NOT NULL,
	condition_value DOUBLE PRECISION NOT NULL,
	equipment_id BIGINT NOT NULL,
	action_state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_triggered TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS user_positions (
	house_id BIGINT NOT NULL REFERENCES houses(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_update TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (house_id, user_id)
);

CREATE TABLE IF NOT EXISTS event_history (
	id BIGSERIAL PRIMARY KEY,
	house_id BIGINT NOT NULL REFERENCES houses(id) ON DELETE CASCADE,
	user_id BIGINT,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id BIGINT,
	description TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ip_address TEXT
);

CREATE INDEX IF NOT EXISTS event_history_house_created ON event_history (house_id, created_at);
CREATE INDEX IF NOT EXISTS event_history_house_type ON event_history (house_id, event_type);
`
