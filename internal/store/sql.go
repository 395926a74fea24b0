package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SQL is the Postgres-backed Store.
type SQL struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection, and applies the schema.
func Open(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &SQL{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an existing connection without migrating.
func NewSQL(db *sql.DB) *SQL { return &SQL{db: db} }

// Migrate applies the schema.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

// mapErr translates driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func nullStr(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: v != 0} }

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Nodes

const nodeCols = `id, hostname, role, description, public_key, overlay_ip, real_ip,
	listen_port, status, is_approved, agent_version, os_info, config_version,
	trust_score, risk_level, trust_factors, last_trust_update,
	created_at, updated_at, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*Node, error) {
	var n Node
	var overlayIP, realIP sql.NullString
	var lastTrust, lastSeen sql.NullTime
	var factors []byte
	var status string
	err := r.Scan(&n.ID, &n.Hostname, &n.Role, &n.Description, &n.PublicKey,
		&overlayIP, &realIP, &n.ListenPort, &status, &n.IsApproved,
		&n.AgentVersion, &n.OSInfo, &n.ConfigVersion,
		&n.TrustScore, &n.RiskLevel, &factors, &lastTrust,
		&n.CreatedAt, &n.UpdatedAt, &lastSeen)
	if err != nil {
		return nil, mapErr(err)
	}
	n.OverlayIP = overlayIP.String
	n.RealIP = realIP.String
	n.Status = NodeStatus(status)
	n.TrustFactors = factors
	n.LastTrustUpdate = lastTrust.Time
	n.LastSeen = lastSeen.Time
	return &n, nil
}

func (s *SQL) CreateNodeWithIP(ctx context.Context, n *Node, pick PickIP) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if pick != nil {
		// The meta row is the allocation lock: every allocator queues here,
		// so reading the used set and inserting are atomic.
		if _, err := tx.ExecContext(ctx,
			`SELECT value FROM controller_meta WHERE key = 'config_version' FOR UPDATE`); err != nil {
			return err
		}
		used, err := usedIPsTx(ctx, tx)
		if err != nil {
			return err
		}
		cidr, err := pick(used)
		if err != nil {
			return err
		}
		n.OverlayIP = cidr
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO nodes (hostname, role, description, public_key, overlay_ip, real_ip,
			listen_port, status, is_approved, agent_version, os_info, config_version,
			trust_score, risk_level, trust_factors, last_trust_update, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id, created_at, updated_at`,
		n.Hostname, n.Role, n.Description, n.PublicKey, nullStr(n.OverlayIP), nullStr(n.RealIP),
		n.ListenPort, string(n.Status), n.IsApproved, n.AgentVersion, n.OSInfo, n.ConfigVersion,
		n.TrustScore, n.RiskLevel, nullBytes(n.TrustFactors), nullTime(n.LastTrustUpdate),
		nullTime(n.LastSeen),
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return tx.Commit()
}

func usedIPsTx(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT split_part(overlay_ip, '/', 1) FROM nodes WHERE overlay_ip IS NOT NULL
		UNION
		SELECT split_part(overlay_ip, '/', 1) FROM client_devices WHERE overlay_ip IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	used := make(map[string]struct{})
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		used[ip] = struct{}{}
	}
	return used, rows.Err()
}

func (s *SQL) UpdateNode(ctx context.Context, n *Node) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET hostname=$2, role=$3, description=$4, public_key=$5,
			overlay_ip=$6, real_ip=$7, listen_port=$8, status=$9, is_approved=$10,
			agent_version=$11, os_info=$12, config_version=$13, trust_score=$14,
			risk_level=$15, trust_factors=$16, last_trust_update=$17, last_seen=$18,
			updated_at=now()
		WHERE id=$1`,
		n.ID, n.Hostname, n.Role, n.Description, n.PublicKey,
		nullStr(n.OverlayIP), nullStr(n.RealIP), n.ListenPort, string(n.Status), n.IsApproved,
		n.AgentVersion, n.OSInfo, n.ConfigVersion, n.TrustScore,
		n.RiskLevel, nullBytes(n.TrustFactors), nullTime(n.LastTrustUpdate), nullTime(n.LastSeen))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) DeleteNode(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) NodeByID(ctx context.Context, id int64) (*Node, error) {
	return scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE id=$1`, id))
}

func (s *SQL) NodeByHostname(ctx context.Context, hostname string) (*Node, error) {
	return scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE hostname=$1`, hostname))
}

func (s *SQL) NodeByPublicKey(ctx context.Context, publicKey string) (*Node, error) {
	return scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE public_key=$1`, publicKey))
}

func (s *SQL) ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	q := `SELECT ` + nodeCols + ` FROM nodes WHERE ($1 = '' OR status = $1) AND ($2 = '' OR role = $2) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, string(f.Status), f.Role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Client devices

const deviceCols = `id, device_name, device_type, user_id, description, public_key,
	private_key, preshared_key, overlay_ip, tunnel_mode, status, config_token,
	config_downloaded, expires_at, created_at`

func scanDevice(r rowScanner) (*ClientDevice, error) {
	var d ClientDevice
	var overlayIP, token sql.NullString
	var expires sql.NullTime
	var devType, mode, status string
	err := r.Scan(&d.ID, &d.DeviceName, &devType, &d.UserID, &d.Description, &d.PublicKey,
		&d.PrivateKeySealed, &d.PresharedKey, &overlayIP, &mode, &status, &token,
		&d.ConfigDownloaded, &expires, &d.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	d.DeviceType = DeviceType(devType)
	d.TunnelMode = TunnelMode(mode)
	d.Status = NodeStatus(status)
	d.OverlayIP = overlayIP.String
	d.ConfigToken = token.String
	d.ExpiresAt = expires.Time
	return &d, nil
}

func (s *SQL) CreateDeviceWithIP(ctx context.Context, d *ClientDevice, pick PickIP) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if pick != nil {
		if _, err := tx.ExecContext(ctx,
			`SELECT value FROM controller_meta WHERE key = 'config_version' FOR UPDATE`); err != nil {
			return err
		}
		used, err := usedIPsTx(ctx, tx)
		if err != nil {
			return err
		}
		cidr, err := pick(used)
		if err != nil {
			return err
		}
		d.OverlayIP = cidr
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO client_devices (device_name, device_type, user_id, description,
			public_key, private_key, preshared_key, overlay_ip, tunnel_mode, status,
			config_token, config_downloaded, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at`,
		d.DeviceName, string(d.DeviceType), d.UserID, d.Description,
		d.PublicKey, d.PrivateKeySealed, d.PresharedKey, nullStr(d.OverlayIP),
		string(d.TunnelMode), string(d.Status), nullStr(d.ConfigToken),
		d.ConfigDownloaded, nullTime(d.ExpiresAt),
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return tx.Commit()
}

func (s *SQL) UpdateDevice(ctx context.Context, d *ClientDevice) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE client_devices SET device_name=$2, device_type=$3, user_id=$4,
			description=$5, public_key=$6, private_key=$7, preshared_key=$8,
			overlay_ip=$9, tunnel_mode=$10, status=$11, config_token=$12,
			config_downloaded=$13, expires_at=$14
		WHERE id=$1`,
		d.ID, d.DeviceName, string(d.DeviceType), d.UserID,
		d.Description, d.PublicKey, d.PrivateKeySealed, d.PresharedKey,
		nullStr(d.OverlayIP), string(d.TunnelMode), string(d.Status), nullStr(d.ConfigToken),
		d.ConfigDownloaded, nullTime(d.ExpiresAt))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *SQL) DeviceByID(ctx context.Context, id int64) (*ClientDevice, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM client_devices WHERE id=$1`, id))
}

func (s *SQL) DeviceByToken(ctx context.Context, token string) (*ClientDevice, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM client_devices WHERE config_token=$1`, token))
}

func (s *SQL) ListDevices(ctx context.Context, f DeviceFilter) ([]*ClientDevice, error) {
	q := `SELECT ` + deviceCols + ` FROM client_devices
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		AND ($3 OR expires_at IS NULL OR expires_at > now())
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, f.UserID, string(f.Status), f.IncludeExpired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ClientDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) CountUserDevices(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM client_devices WHERE user_id=$1 AND status <> 'revoked'`,
		userID).Scan(&n)
	return n, err
}

// Address bookkeeping

func (s *SQL) UsedOverlayIPs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT split_part(overlay_ip, '/', 1) FROM nodes WHERE overlay_ip IS NOT NULL
		UNION
		SELECT split_part(overlay_ip, '/', 1) FROM client_devices WHERE overlay_ip IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	used := make(map[string]struct{})
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		used[ip] = struct{}{}
	}
	return used, rows.Err()
}

func (s *SQL) RecordAllocation(ctx context.Context, a *IPAllocation) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO ip_allocations (network_cidr, ip_address, node_id)
		VALUES ($1,$2,$3) RETURNING id, allocated_at`,
		a.NetworkCIDR, a.IPAddress, nullInt(a.NodeID)).Scan(&a.ID, &a.AllocatedAt)
}

func (s *SQL) ReleaseAllocation(ctx context.Context, hostIP string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ip_allocations SET released_at=$2 WHERE ip_address=$1 AND released_at IS NULL`,
		hostIP, at)
	return err
}

func (s *SQL) ListAllocations(ctx context.Context, activeOnly bool) ([]*IPAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, network_cidr, ip_address, COALESCE(node_id, 0), allocated_at, released_at
		FROM ip_allocations WHERE NOT $1 OR released_at IS NULL ORDER BY id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IPAllocation
	for rows.Next() {
		var a IPAllocation
		var released sql.NullTime
		if err := rows.Scan(&a.ID, &a.NetworkCIDR, &a.IPAddress, &a.NodeID, &a.AllocatedAt, &released); err != nil {
			return nil, err
		}
		a.ReleasedAt = released.Time
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Role policies

const policyCols = `id, name, description, src_role, dst_role, port, protocol,
	action, priority, enabled, created_at, updated_at`

func scanPolicy(r rowScanner) (*AccessPolicy, error) {
	var p AccessPolicy
	err := r.Scan(&p.ID, &p.Name, &p.Description, &p.SrcRole, &p.DstRole, &p.Port,
		&p.Protocol, &p.Action, &p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *SQL) CreatePolicy(ctx context.Context, p *AccessPolicy) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO access_policies (name, description, src_role, dst_role, port, protocol, action, priority, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Description, p.SrcRole, p.DstRole, p.Port, p.Protocol, p.Action,
		p.Priority, p.Enabled).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapErr(err)
}

func (s *SQL) UpdatePolicy(ctx context.Context, p *AccessPolicy) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE access_policies SET name=$2, description=$3, src_role=$4, dst_role=$5,
			port=$6, protocol=$7, action=$8, priority=$9, enabled=$10, updated_at=now()
		WHERE id=$1`,
		p.ID, p.Name, p.Description, p.SrcRole, p.DstRole, p.Port, p.Protocol,
		p.Action, p.Priority, p.Enabled)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *SQL) DeletePolicy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_policies WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) PolicyByID(ctx context.Context, id int64) (*AccessPolicy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM access_policies WHERE id=$1`, id))
}

func (s *SQL) PolicyByName(ctx context.Context, name string) (*AccessPolicy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM access_policies WHERE name=$1`, name))
}

func (s *SQL) ListPolicies(ctx context.Context, f PolicyFilter) ([]*AccessPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyCols+` FROM access_policies WHERE NOT $1 OR enabled ORDER BY priority, id`,
		f.EnabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AccessPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Users

const userCols = `id, user_id, email, display_name, department, job_title, status, attributes, created_at, updated_at`

func scanUser(r rowScanner) (*User, error) {
	var u User
	var attrs []byte
	err := r.Scan(&u.ID, &u.UserID, &u.Email, &u.DisplayName, &u.Department,
		&u.JobTitle, &u.Status, &attrs, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	u.Attributes = attrs
	return &u, nil
}

func (s *SQL) CreateUser(ctx context.Context, u *User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (user_id, email, display_name, department, job_title, status, attributes)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at, updated_at`,
		u.UserID, u.Email, u.DisplayName, u.Department, u.JobTitle, u.Status,
		nullBytes(u.Attributes)).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return mapErr(err)
}

func (s *SQL) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email=$2, display_name=$3, department=$4, job_title=$5,
			status=$6, attributes=$7, updated_at=now() WHERE id=$1`,
		u.ID, u.Email, u.DisplayName, u.Department, u.JobTitle, u.Status,
		nullBytes(u.Attributes))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *SQL) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) UserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (s *SQL) UserByExternalID(ctx context.Context, userID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE user_id=$1`, userID))
}

func (s *SQL) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Groups

const groupCols = `id, name, display_name, description, group_type, COALESCE(parent_group_id, 0), status, created_at`

func scanGroup(r rowScanner) (*Group, error) {
	var g Group
	err := r.Scan(&g.ID, &g.Name, &g.DisplayName, &g.Description, &g.GroupType,
		&g.ParentGroupID, &g.Status, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (s *SQL) CreateGroup(ctx context.Context, g *Group) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO groups (name, display_name, description, group_type, parent_group_id, status)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		g.Name, g.DisplayName, g.Description, g.GroupType, nullInt(g.ParentGroupID),
		g.Status).Scan(&g.ID, &g.CreatedAt)
	return mapErr(err)
}

func (s *SQL) DeleteGroup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) GroupByID(ctx context.Context, id int64) (*Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM groups WHERE id=$1`, id))
}

func (s *SQL) GroupByName(ctx context.Context, name string) (*Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM groups WHERE name=$1`, name))
}

func (s *SQL) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupCols+` FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Memberships

func (s *SQL) AddMembership(ctx context.Context, m *GroupMembership) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO group_memberships (user_id, group_id, role)
		VALUES ($1,$2,$3) RETURNING created_at`,
		m.UserID, m.GroupID, m.Role).Scan(&m.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		// 23503: user or group row missing.
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return mapErr(err)
	}
	return nil
}

func (s *SQL) RemoveMembership(ctx context.Context, userID, groupID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM group_memberships WHERE user_id=$1 AND group_id=$2`, userID, groupID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) GroupsForUser(ctx context.Context, userID int64) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.display_name, g.description, g.group_type,
			COALESCE(g.parent_group_id, 0), g.status, g.created_at
		FROM groups g JOIN group_memberships m ON m.group_id = g.id
		WHERE m.user_id = $1 ORDER BY g.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQL) MembersOfGroup(ctx context.Context, groupID int64) ([]*GroupMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, group_id, role, created_at FROM group_memberships
		WHERE group_id=$1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*GroupMembership
	for rows.Next() {
		var m GroupMembership
		if err := rows.Scan(&m.UserID, &m.GroupID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// User policies

const userPolicyCols = `id, name, description, subject_type, COALESCE(subject_id, 0),
	resource_type, resource_value, action, conditions, priority, enabled,
	valid_from, valid_until, created_by, created_at, updated_at`

func scanUserPolicy(r rowScanner) (*UserAccessPolicy, error) {
	var p UserAccessPolicy
	var conditions []byte
	var from, until sql.NullTime
	err := r.Scan(&p.ID, &p.Name, &p.Description, &p.SubjectType, &p.SubjectID,
		&p.ResourceType, &p.ResourceValue, &p.Action, &conditions, &p.Priority,
		&p.Enabled, &from, &until, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	p.Conditions = conditions
	p.ValidFrom = from.Time
	p.ValidUntil = until.Time
	return &p, nil
}

func (s *SQL) CreateUserPolicy(ctx context.Context, p *UserAccessPolicy) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_access_policies (name, description, subject_type, subject_id,
			resource_type, resource_value, action, conditions, priority, enabled,
			valid_from, valid_until, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Description, p.SubjectType, nullInt(p.SubjectID),
		p.ResourceType, p.ResourceValue, p.Action, nullBytes(p.Conditions),
		p.Priority, p.Enabled, nullTime(p.ValidFrom), nullTime(p.ValidUntil),
		p.CreatedBy).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapErr(err)
}

func (s *SQL) UpdateUserPolicy(ctx context.Context, p *UserAccessPolicy) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_access_policies SET name=$2, description=$3, subject_type=$4,
			subject_id=$5, resource_type=$6, resource_value=$7, action=$8,
			conditions=$9, priority=$10, enabled=$11, valid_from=$12, valid_until=$13,
			updated_at=now()
		WHERE id=$1`,
		p.ID, p.Name, p.Description, p.SubjectType, nullInt(p.SubjectID),
		p.ResourceType, p.ResourceValue, p.Action, nullBytes(p.Conditions),
		p.Priority, p.Enabled, nullTime(p.ValidFrom), nullTime(p.ValidUntil))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *SQL) DeleteUserPolicy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_access_policies WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQL) UserPolicyByID(ctx context.Context, id int64) (*UserAccessPolicy, error) {
	return scanUserPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+userPolicyCols+` FROM user_access_policies WHERE id=$1`, id))
}

func (s *SQL) ListUserPolicies(ctx context.Context, f UserPolicyFilter) ([]*UserAccessPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userPolicyCols+` FROM user_access_policies
		WHERE ($1 = '' OR resource_type = $1) AND (NOT $2 OR enabled)
		ORDER BY priority, id`, f.ResourceType, f.EnabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*UserAccessPolicy
	for rows.Next() {
		p, err := scanUserPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Trust history

func (s *SQL) AppendTrustHistory(ctx context.Context, h *TrustHistory) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO trust_history (node_id, hostname, trust_score, previous_score,
			risk_level, risk_factors, device_health_score, security_score,
			behavior_score, role_score, metrics_snapshot, action_taken)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at`,
		h.NodeID, h.Hostname, h.TrustScore, h.PreviousScore,
		h.RiskLevel, nullBytes(h.RiskFactors), h.DeviceHealthScore, h.SecurityScore,
		h.BehaviorScore, h.RoleScore, nullBytes(h.MetricsSnapshot), h.ActionTaken,
	).Scan(&h.ID, &h.CreatedAt)
}

func (s *SQL) TrustHistorySince(ctx context.Context, nodeID int64, since time.Time) ([]*TrustHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, hostname, trust_score, previous_score, risk_level,
			risk_factors, device_health_score, security_score, behavior_score,
			role_score, metrics_snapshot, action_taken, created_at
		FROM trust_history WHERE node_id=$1 AND created_at >= $2
		ORDER BY created_at DESC`, nodeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TrustHistory
	for rows.Next() {
		var h TrustHistory
		var factors, snapshot []byte
		if err := rows.Scan(&h.ID, &h.NodeID, &h.Hostname, &h.TrustScore, &h.PreviousScore,
			&h.RiskLevel, &factors, &h.DeviceHealthScore, &h.SecurityScore,
			&h.BehaviorScore, &h.RoleScore, &snapshot, &h.ActionTaken, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.RiskFactors = factors
		h.MetricsSnapshot = snapshot
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Audit and events

func (s *SQL) AppendAudit(ctx context.Context, e *AuditEntry) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (event_type, event_action, actor_type, actor_id, actor_ip,
			target_type, target_id, details, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id, created_at`,
		e.EventType, e.EventAction, e.ActorType, e.ActorID, e.ActorIP,
		e.TargetType, e.TargetID, e.Details, e.Status).Scan(&e.ID, &e.CreatedAt)
}

func (s *SQL) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, event_action, actor_type, actor_id, actor_ip,
			target_type, target_id, details, status, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventAction, &e.ActorType, &e.ActorID,
			&e.ActorIP, &e.TargetType, &e.TargetID, &e.Details, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQL) AppendEvent(ctx context.Context, e *EventRecord) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO events (event_id, event_type, source, subject, payload)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		e.EventID, e.EventType, e.Source, e.Subject, nullBytes(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)
}

// Config version

func (s *SQL) ConfigVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM controller_meta WHERE key='config_version'`).Scan(&v)
	return v, mapErr(err)
}

func (s *SQL) BumpConfigVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE controller_meta SET value = value + 1
		WHERE key='config_version' RETURNING value`).Scan(&v)
	return v, mapErr(err)
}

var _ Store = (*SQL)(nil)
