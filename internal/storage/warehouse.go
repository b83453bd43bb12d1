package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/userprops-io/userprops/internal/config"
	"github.com/userprops-io/userprops/internal/transform"
)

// Warehouse table names.
const (
	TablePermanent  = "permanent_user_properties"
	TableChangeable = "changeable_user_properties"
	TableStaging    = "tmp_user_properties"
)

// fallbackColumnCount sizes batches for tables without a declared schema.
const fallbackColumnCount = 20

// Sentinel errors for warehouse operations.
var (
	// ErrUnknownTable is returned when a query names a table outside the
	// declared schema set.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnknownColumn is returned when a row or filter references a column
	// the table schema does not declare.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrUnsupportedOperator is returned for comparison operators outside the
	// whitelist.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrInsertFailed is returned when an insert statement fails.
	ErrInsertFailed = errors.New("warehouse insert failed")

	// ErrSelectFailed is returned when a select statement fails.
	ErrSelectFailed = errors.New("warehouse select failed")

	// ErrUpdateFailed is returned when an update statement fails.
	ErrUpdateFailed = errors.New("warehouse update failed")
)

// tableColumns declares the insertable columns of every known table, in
// statement order. All identifier fragments in generated SQL come from these
// lists or pass through pq.QuoteIdentifier; values always bind as parameters.
var tableColumns = map[string][]string{
	TablePermanent: {
		"ehr_id",
		"first_login_at",
		"gender",
		"cohort_day",
		"cohort_week",
		"cohort_month",
		"registered_via_app",
		"source",
	},
	TableChangeable: {
		"uuid",
		"ehr_id",
		"event_time",
		"language",
		"age",
		"app_city",
		"push_permission",
		"location_permission",
		"authorization_status",
		"telemed_files_sent",
		"appointments_cancelled",
		"telemed_files_received",
		"telemed_messages_received",
		"telemed_messages_sent",
		"telemed_consultations_resumed",
		"appointments_booked",
		"session_id",
		"start_version",
		"ehr_count",
		"google_pay_available",
	},
	TableStaging: {
		"uuid",
		"user_properties_json",
		"language",
		"session_id",
		"start_version",
		"migrated",
		"event_time",
	},
}

// selectOperators whitelists the comparison operators accepted in filter
// conditions.
var selectOperators = map[string]struct{}{
	"=":  {},
	"!=": {},
	"<":  {},
	"<=": {},
	">":  {},
	">=": {},
}

type (
	// Warehouse is the PostgreSQL repository for the user-properties tables.
	// Every statement runs in autocommit mode; there are no multi-statement
	// transactions.
	Warehouse struct {
		conn   *Connection
		logger *slog.Logger

		maxParamsPerQuery int
		maxRowsPerInsert  int
		safetyFactor      float64
	}

	// Condition is one general filter triple for Select.
	Condition struct {
		Column string
		Op     string
		Value  any
	}

	// SelectQuery shapes a dynamic SELECT: equality filters, general
	// conditions, signed ordering (leading '-' means DESC), and paging.
	SelectQuery struct {
		Where      map[string]any
		Conditions []Condition
		OrderBy    []string
		Limit      int
		Offset     int
	}

	insertOptions struct {
		conflictClause string
		returning      string
	}

	// InsertOption configures conflict handling and RETURNING for inserts.
	InsertOption func(*insertOptions)
)

// WithConflictDoNothing adds ON CONFLICT (columns...) DO NOTHING to the
// statement.
func WithConflictDoNothing(columns ...string) InsertOption {
	return func(o *insertOptions) {
		quoted := make([]string, 0, len(columns))
		for _, col := range columns {
			quoted = append(quoted, pq.QuoteIdentifier(col))
		}

		o.conflictClause = "ON CONFLICT (" + strings.Join(quoted, ", ") + ") DO NOTHING"
	}
}

// WithReturning adds RETURNING column to the statement; returned values are
// collected across chunks.
func WithReturning(column string) InsertOption {
	return func(o *insertOptions) {
		o.returning = pq.QuoteIdentifier(column)
	}
}

// NewWarehouse creates the repository over an established connection.
func NewWarehouse(conn *Connection, cfg *Config) (*Warehouse, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Warehouse{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "warehouse")),
		maxParamsPerQuery: cfg.MaxParamsPerQuery,
		maxRowsPerInsert:  cfg.MaxRowsPerInsert,
		safetyFactor:      cfg.SafetyFactor,
	}, nil
}

// HealthCheck verifies database connectivity.
func (w *Warehouse) HealthCheck(ctx context.Context) error {
	return w.conn.HealthCheck(ctx)
}

// rowsPerBatch computes how many rows fit in one INSERT for the table:
// the parameter budget divided by the column count, scaled by the safety
// factor and capped by the configured per-statement maximum. Unknown tables
// use a conservative fallback column count.
func (w *Warehouse) rowsPerBatch(table string) int {
	columns := len(tableColumns[table])
	if columns == 0 {
		columns = fallbackColumnCount

		w.logger.Warn("unknown table, using fallback column count",
			slog.String("table", table),
			slog.Int("columns", fallbackColumnCount))
	}

	theoretical := float64(w.maxParamsPerQuery) / float64(columns)

	safe := int(math.Floor(theoretical * w.safetyFactor))
	if safe > w.maxRowsPerInsert {
		safe = w.maxRowsPerInsert
	}

	if safe < 1 {
		safe = 1
	}

	return safe
}

// insertColumns resolves the ordered column list for a batch from the first
// row, validating every key against the table schema when one is declared.
func insertColumns(table string, row map[string]any) ([]string, error) {
	schema, known := tableColumns[table]
	if !known {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		return keys, nil
	}

	declared := make(map[string]struct{}, len(schema))
	for _, col := range schema {
		declared[col] = struct{}{}
	}

	for key := range row {
		if _, ok := declared[key]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, key)
		}
	}

	columns := make([]string, 0, len(row))
	for _, col := range schema {
		if _, ok := row[col]; ok {
			columns = append(columns, col)
		}
	}

	return columns, nil
}

// InsertOne inserts a single row.
func (w *Warehouse) InsertOne(ctx context.Context, table string, row map[string]any, opts ...InsertOption) error {
	_, _, err := w.InsertBatch(ctx, table, []map[string]any{row}, opts...)

	return err
}

// InsertBatch inserts rows with dynamic chunking. It returns the values
// collected from RETURNING clauses (empty without one) and the number of
// statements issued. Rows must share one shape; the first row defines the
// column list.
func (w *Warehouse) InsertBatch(
	ctx context.Context,
	table string,
	rows []map[string]any,
	opts ...InsertOption,
) ([]any, int, error) {
	if len(rows) == 0 {
		return nil, 0, nil
	}

	var options insertOptions
	for _, opt := range opts {
		opt(&options)
	}

	columns, err := insertColumns(table, rows[0])
	if err != nil {
		return nil, 0, err
	}

	chunkSize := w.rowsPerBatch(table)

	var (
		returned []any
		batches  int
	)

	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}

		values, err := w.insertChunk(ctx, table, columns, rows[start:end], &options)
		if err != nil {
			return nil, batches, err
		}

		returned = append(returned, values...)
		batches++
	}

	w.logger.Debug("batch insert complete",
		slog.String("table", table),
		slog.Int("rows", len(rows)),
		slog.Int("batches", batches))

	return returned, batches, nil
}

func (w *Warehouse) insertChunk(
	ctx context.Context,
	table string,
	columns []string,
	rows []map[string]any,
	options *insertOptions,
) ([]any, error) {
	quoted := make([]string, 0, len(columns))
	for _, col := range columns {
		quoted = append(quoted, pq.QuoteIdentifier(col))
	}

	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(pq.QuoteIdentifier(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))

	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(")

		for j, col := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(len(args) + 1))

			args = append(args, row[col])
		}

		sb.WriteString(")")
	}

	if options.conflictClause != "" {
		sb.WriteString(" ")
		sb.WriteString(options.conflictClause)
	}

	if options.returning == "" {
		if _, err := w.conn.ExecContext(ctx, sb.String(), args...); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInsertFailed, table, err)
		}

		return nil, nil
	}

	sb.WriteString(" RETURNING ")
	sb.WriteString(options.returning)

	queryRows, err := w.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInsertFailed, table, err)
	}
	defer func() { _ = queryRows.Close() }()

	var values []any

	for queryRows.Next() {
		var v any
		if err := queryRows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInsertFailed, table, err)
		}

		values = append(values, v)
	}

	if err := queryRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInsertFailed, table, err)
	}

	return values, nil
}

// Select runs a dynamic SELECT against a known table and returns rows as
// column/value maps.
func (w *Warehouse) Select(ctx context.Context, table string, query SelectQuery) ([]map[string]any, error) {
	schema, ok := tableColumns[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	declared := make(map[string]struct{}, len(schema))
	for _, col := range schema {
		declared[col] = struct{}{}
	}

	var sb strings.Builder

	sb.WriteString("SELECT * FROM ")
	sb.WriteString(pq.QuoteIdentifier(table))

	var (
		clauses []string
		args    []any
	)

	for _, col := range sortedWhereKeys(query.Where) {
		if _, ok := declared[col]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
		}

		args = append(args, query.Where[col])
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), len(args)))
	}

	for _, cond := range query.Conditions {
		if _, ok := declared[cond.Column]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, cond.Column)
		}

		if _, ok := selectOperators[cond.Op]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperator, cond.Op)
		}

		args = append(args, cond.Value)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", pq.QuoteIdentifier(cond.Column), cond.Op, len(args)))
	}

	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if len(query.OrderBy) > 0 {
		orders := make([]string, 0, len(query.OrderBy))

		for _, field := range query.OrderBy {
			direction := "ASC"

			col := field
			if strings.HasPrefix(field, "-") {
				direction = "DESC"
				col = field[1:]
			}

			if _, ok := declared[col]; !ok {
				return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
			}

			orders = append(orders, pq.QuoteIdentifier(col)+" "+direction)
		}

		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}

	if query.Limit > 0 {
		args = append(args, query.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	if query.Offset > 0 {
		args = append(args, query.Offset)
		sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	}

	rows, err := w.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, table, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRowMaps(rows)
}

func sortedWhereKeys(where map[string]any) []string {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func scanRowMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSelectFailed, err)
	}

	var result []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		for i := range values {
			values[i] = new(any)
		}

		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSelectFailed, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = *(values[i].(*any))
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSelectFailed, err)
	}

	return result, nil
}

// AllPermanentEHRIDs returns the set of health-record IDs already present in
// the permanent table.
func (w *Warehouse) AllPermanentEHRIDs(ctx context.Context) (map[int]struct{}, error) {
	rows, err := w.conn.QueryContext(ctx, `SELECT ehr_id FROM permanent_user_properties`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TablePermanent, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int]struct{})

	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TablePermanent, err)
		}

		ids[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TablePermanent, err)
	}

	return ids, nil
}

// changeableSelectColumns is the scan order shared by the latest-state
// queries.
var changeableSelectColumns = strings.Join(tableColumns[TableChangeable], ", ")

// LatestChangeableByEHRID returns the most recent changeable row per
// health-record ID, using a window over event_time.
func (w *Warehouse) LatestChangeableByEHRID(
	ctx context.Context,
	ehrIDs []int,
) (map[int]*transform.ChangeableUserProperties, error) {
	latest := make(map[int]*transform.ChangeableUserProperties)
	if len(ehrIDs) == 0 {
		return latest, nil
	}

	ids := make([]int64, 0, len(ehrIDs))
	for _, id := range ehrIDs {
		ids = append(ids, int64(id))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s,
			       ROW_NUMBER() OVER (PARTITION BY ehr_id ORDER BY event_time DESC) AS rn
			FROM changeable_user_properties
			WHERE ehr_id = ANY($1)
		) ranked
		WHERE rn = 1`, changeableSelectColumns, changeableSelectColumns)

	rows, err := w.conn.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableChangeable, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		record, err := scanChangeable(rows)
		if err != nil {
			return nil, err
		}

		if record.EHRID != nil {
			latest[*record.EHRID] = record
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableChangeable, err)
	}

	return latest, nil
}

// LatestChangeableNull returns the most recent changeable row of the null
// partition, or nil when the partition is empty.
func (w *Warehouse) LatestChangeableNull(ctx context.Context) (*transform.ChangeableUserProperties, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM changeable_user_properties
		WHERE ehr_id IS NULL
		ORDER BY event_time DESC
		LIMIT 1`, changeableSelectColumns)

	rows, err := w.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableChangeable, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableChangeable, err)
		}

		return nil, nil
	}

	return scanChangeable(rows)
}

// scanChangeable reads one row in changeableSelectColumns order.
func scanChangeable(rows *sql.Rows) (*transform.ChangeableUserProperties, error) {
	var (
		rawUUID             string
		ehrID               sql.NullInt64
		eventTime           time.Time
		language            sql.NullString
		age                 sql.NullInt64
		appCity             sql.NullString
		pushPerm            sql.NullBool
		locationPerm        sql.NullBool
		authStatus          sql.NullBool
		filesSent           sql.NullInt64
		apptsCancelled      sql.NullInt64
		filesReceived       sql.NullInt64
		messagesReceived    sql.NullInt64
		messagesSent        sql.NullInt64
		consultationsResume sql.NullInt64
		apptsBooked         sql.NullInt64
		sessionID           sql.NullInt64
		startVersion        sql.NullString
		ehrCount            sql.NullInt64
		googlePay           sql.NullBool
	)

	err := rows.Scan(
		&rawUUID, &ehrID, &eventTime, &language, &age, &appCity,
		&pushPerm, &locationPerm, &authStatus,
		&filesSent, &apptsCancelled, &filesReceived, &messagesReceived,
		&messagesSent, &consultationsResume, &apptsBooked,
		&sessionID, &startVersion, &ehrCount, &googlePay,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableChangeable, err)
	}

	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableChangeable, err)
	}

	return &transform.ChangeableUserProperties{
		UUID:                        id,
		EHRID:                       nullIntPtr(ehrID),
		EventTime:                   eventTime.UTC(),
		Language:                    nullStrPtr(language),
		Age:                         nullIntPtr(age),
		AppCity:                     nullStrPtr(appCity),
		PushPermission:              nullBoolPtr(pushPerm),
		LocationPermission:          nullBoolPtr(locationPerm),
		AuthorizationStatus:         nullBoolPtr(authStatus),
		TelemedFilesSent:            nullIntPtr(filesSent),
		AppointmentsCancelled:       nullIntPtr(apptsCancelled),
		TelemedFilesReceived:        nullIntPtr(filesReceived),
		TelemedMessagesReceived:     nullIntPtr(messagesReceived),
		TelemedMessagesSent:         nullIntPtr(messagesSent),
		TelemedConsultationsResumed: nullIntPtr(consultationsResume),
		AppointmentsBooked:          nullIntPtr(apptsBooked),
		SessionID:                   nullIntPtr(sessionID),
		StartVersion:                nullStrPtr(startVersion),
		EHRCount:                    nullIntPtr(ehrCount),
		GooglePayAvailable:          nullBoolPtr(googlePay),
	}, nil
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}

	n := int(v.Int64)

	return &n
}

func nullStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}

	s := v.String

	return &s
}

func nullBoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}

	b := v.Bool

	return &b
}

// UpdateMigratedBatch flips the migrated flag for a set of staging rows in
// one statement.
func (w *Warehouse) UpdateMigratedBatch(ctx context.Context, uuids []uuid.UUID, migrated bool) error {
	if len(uuids) == 0 {
		return nil
	}

	ids := make([]string, 0, len(uuids))
	for _, id := range uuids {
		ids = append(ids, id.String())
	}

	_, err := w.conn.ExecContext(ctx,
		`UPDATE tmp_user_properties SET migrated = $1 WHERE uuid = ANY($2)`,
		migrated, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpdateFailed, TableStaging, err)
	}

	return nil
}

// UpdateMigrated flips the migrated flag for a single staging row.
func (w *Warehouse) UpdateMigrated(ctx context.Context, id uuid.UUID, migrated bool) error {
	return w.UpdateMigratedBatch(ctx, []uuid.UUID{id}, migrated)
}

// InsertChangeable appends one changeable record. Records without a
// health-record ID are dropped silently; the history is partitioned on that
// column and single-record appends have no null partition to land in.
func (w *Warehouse) InsertChangeable(ctx context.Context, record *transform.ChangeableUserProperties) error {
	if record.EHRID == nil {
		w.logger.Debug("dropping changeable record without ehr_id",
			slog.String("uuid", record.UUID.String()))

		return nil
	}

	return w.InsertOne(ctx, TableChangeable, record.Row())
}

// StagingRecords returns unmigrated staging rows in one time window, ordered
// by event time, shaped as raw records for the transformer.
func (w *Warehouse) StagingRecords(ctx context.Context, start, end time.Time) ([]transform.RawRecord, error) {
	rows, err := w.conn.QueryContext(ctx, `
		SELECT uuid, user_properties_json, language, session_id, start_version, event_time
		FROM tmp_user_properties
		WHERE migrated = false AND event_time >= $1 AND event_time < $2
		ORDER BY event_time`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableStaging, err)
	}
	defer func() { _ = rows.Close() }()

	var records []transform.RawRecord

	for rows.Next() {
		var (
			rawUUID      string
			propsJSON    []byte
			language     sql.NullString
			sessionID    sql.NullInt64
			startVersion sql.NullString
			eventTime    time.Time
		)

		if err := rows.Scan(&rawUUID, &propsJSON, &language, &sessionID, &startVersion, &eventTime); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableStaging, err)
		}

		id, err := uuid.Parse(rawUUID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableStaging, err)
		}

		record := transform.RawRecord{
			"uuid":       id,
			"event_time": eventTime.UTC(),
		}

		if len(propsJSON) > 0 {
			var bag map[string]any
			if err := json.Unmarshal(propsJSON, &bag); err == nil {
				record["user_properties_json"] = bag
			}
		}

		if language.Valid {
			record["language"] = language.String
		}

		if sessionID.Valid {
			record["session_id"] = int(sessionID.Int64)
		}

		if startVersion.Valid {
			record["start_version"] = startVersion.String
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSelectFailed, TableStaging, err)
	}

	return records, nil
}
