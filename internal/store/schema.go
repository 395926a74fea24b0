package store

// Schema is applied by Migrate on startup. Statements are idempotent so the
// controller can run it on every boot.
const Schema = `
CREATE TABLE IF NOT EXISTS controller_meta (
    key   TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);
INSERT INTO controller_meta (key, value) VALUES ('config_version', 1)
    ON CONFLICT (key) DO NOTHING;

CREATE TABLE IF NOT EXISTS nodes (
    id BIGSERIAL PRIMARY KEY,
    hostname TEXT NOT NULL UNIQUE,
    role TEXT NOT NULL DEFAULT 'app',
    description TEXT NOT NULL DEFAULT '',
    public_key TEXT NOT NULL UNIQUE,
    overlay_ip TEXT UNIQUE,
    real_ip TEXT,
    listen_port INTEGER NOT NULL DEFAULT 51820,
    status TEXT NOT NULL DEFAULT 'pending',
    is_approved BOOLEAN NOT NULL DEFAULT FALSE,
    agent_version TEXT NOT NULL DEFAULT '',
    os_info TEXT NOT NULL DEFAULT '',
    config_version BIGINT NOT NULL DEFAULT 1,
    trust_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    risk_level TEXT NOT NULL DEFAULT 'low',
    trust_factors JSONB,
    last_trust_update TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes (status);
CREATE INDEX IF NOT EXISTS idx_nodes_role ON nodes (role);

CREATE TABLE IF NOT EXISTS client_devices (
    id BIGSERIAL PRIMARY KEY,
    device_name TEXT NOT NULL,
    device_type TEXT NOT NULL DEFAULT 'laptop',
    user_id TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    public_key TEXT NOT NULL UNIQUE,
    private_key TEXT NOT NULL DEFAULT '',
    preshared_key TEXT NOT NULL DEFAULT '',
    overlay_ip TEXT UNIQUE,
    tunnel_mode TEXT NOT NULL DEFAULT 'full',
    status TEXT NOT NULL DEFAULT 'active',
    config_token TEXT UNIQUE,
    config_downloaded BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_devices_user ON client_devices (user_id);

CREATE TABLE IF NOT EXISTS access_policies (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    src_role TEXT NOT NULL,
    dst_role TEXT NOT NULL,
    port INTEGER NOT NULL,
    protocol TEXT NOT NULL DEFAULT 'tcp',
    action TEXT NOT NULL DEFAULT 'allow',
    priority INTEGER NOT NULL DEFAULT 100,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    department TEXT NOT NULL DEFAULT '',
    job_title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    attributes JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS groups (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    group_type TEXT NOT NULL DEFAULT 'security',
    parent_group_id BIGINT REFERENCES groups (id) ON DELETE SET NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS group_memberships (
    user_id BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    group_id BIGINT NOT NULL REFERENCES groups (id) ON DELETE CASCADE,
    role TEXT NOT NULL DEFAULT 'member',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS user_access_policies (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    subject_type TEXT NOT NULL,
    subject_id BIGINT,
    resource_type TEXT NOT NULL,
    resource_value TEXT NOT NULL,
    action TEXT NOT NULL DEFAULT 'allow',
    conditions JSONB,
    priority INTEGER NOT NULL DEFAULT 100,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    valid_from TIMESTAMPTZ,
    valid_until TIMESTAMPTZ,
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_user_policies_resource ON user_access_policies (resource_type);

CREATE TABLE IF NOT EXISTS trust_history (
    id BIGSERIAL PRIMARY KEY,
    node_id BIGINT NOT NULL,
    hostname TEXT NOT NULL DEFAULT '',
    trust_score DOUBLE PRECISION NOT NULL,
    previous_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT '',
    risk_factors JSONB,
    device_health_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    security_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    behavior_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    role_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    metrics_snapshot JSONB,
    action_taken TEXT NOT NULL DEFAULT 'none',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trust_history_node ON trust_history (node_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id BIGSERIAL PRIMARY KEY,
    event_type TEXT NOT NULL,
    event_action TEXT NOT NULL,
    actor_type TEXT NOT NULL DEFAULT 'system',
    actor_id TEXT NOT NULL DEFAULT '',
    actor_ip TEXT NOT NULL DEFAULT '',
    target_type TEXT NOT NULL DEFAULT '',
    target_id TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'success',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    event_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ip_allocations (
    id BIGSERIAL PRIMARY KEY,
    network_cidr TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    node_id BIGINT,
    allocated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    released_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ip_allocations_active_ip
    ON ip_allocations (ip_address) WHERE released_at IS NULL;
`
