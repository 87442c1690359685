package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	beaconsTable      = "beacons"
	measurementsTable = "measurements"
	typesTable        = "type_measurement"
)

// Synonyms accepted for each canonical measurement column, in priority order.
var (
	beaconColumnSynonyms    = []string{"id_beacon", "beacon_id", "id_balise", "balise_id"}
	timestampColumnSynonyms = []string{"timestamp", "date", "ts", "measured_at"}
	valueColumnSynonyms     = []string{"value", "valeur", "current_value"}
	typeColumnSynonyms      = []string{"id_type", "type_id"}
	typeIDColumnSynonyms    = []string{"id_type", "id"}
)

// Schema is the statically typed view of the optional measurement and type columns
// present in the live store. It is resolved once at startup.
type Schema struct {
	BeaconColumn    string
	TimestampColumn string
	ValueColumn     string
	// TypeColumn is empty when measurements carry no type classification.
	TypeColumn string
	// HasPosition is true when measurements carry per-reading lat/lon.
	HasPosition bool

	TypeIDColumn       string
	TypeHasUnit        bool
	TypeHasDescription bool
}

// DefaultSchema matches the tables created by InitSchema.
func DefaultSchema() Schema {
	return Schema{
		BeaconColumn:       "id_beacon",
		TimestampColumn:    "timestamp",
		ValueColumn:        "value",
		TypeColumn:         "id_type",
		HasPosition:        true,
		TypeIDColumn:       "id_type",
		TypeHasUnit:        true,
		TypeHasDescription: true,
	}
}

// HasType reports whether measurements reference a measurement type.
func (s Schema) HasType() bool {
	return s.TypeColumn != ""
}

// ColumnMapping describes the resolved column names for API responses.
func (s Schema) ColumnMapping() map[string]string {
	m := map[string]string{
		"beacon":    s.BeaconColumn,
		"timestamp": s.TimestampColumn,
		"value":     s.ValueColumn,
	}
	if s.HasType() {
		m["type"] = s.TypeColumn
	}
	if s.HasPosition {
		m["lat"] = "lat"
		m["lon"] = "lon"
	}
	return m
}

// ResolveSchema picks canonical columns out of the given column sets. Column
// names are compared case-insensitively and returned in lower case.
func ResolveSchema(measurementColumns, typeColumns []string) Schema {
	mcols := columnSet(measurementColumns)
	tcols := columnSet(typeColumns)

	s := Schema{
		BeaconColumn:    pickColumn(mcols, beaconColumnSynonyms, beaconColumnSynonyms[0]),
		TimestampColumn: pickColumn(mcols, timestampColumnSynonyms, timestampColumnSynonyms[0]),
		ValueColumn:     pickColumn(mcols, valueColumnSynonyms, valueColumnSynonyms[0]),
		TypeColumn:      pickColumn(mcols, typeColumnSynonyms, ""),
		HasPosition:     mcols["lat"] && mcols["lon"],
	}

	// without a types table there is nothing to reference
	if len(tcols) == 0 {
		s.TypeColumn = ""
		return s
	}

	s.TypeIDColumn = pickColumn(tcols, typeIDColumnSynonyms, typeIDColumnSynonyms[0])
	s.TypeHasUnit = tcols["unit"]
	s.TypeHasDescription = tcols["description"]
	return s
}

// Introspect reads the live column sets, resolves the schema, and keeps it for
// sessions acquired afterwards.
func (s *Store) Introspect(ctx context.Context) (Schema, error) {
	if s.db == nil {
		return Schema{}, fmt.Errorf("store not initialized")
	}

	mcols, err := s.columns(ctx, measurementsTable)
	if err != nil {
		return Schema{}, err
	}
	if len(mcols) == 0 {
		return Schema{}, fmt.Errorf("introspect schema: table %s not found", measurementsTable)
	}

	tcols, err := s.columns(ctx, typesTable)
	if err != nil {
		return Schema{}, err
	}

	schema := ResolveSchema(mcols, tcols)
	s.schema = schema
	return schema, nil
}

// Schema returns the schema resolved by the last Introspect call, or the default one.
func (s *Store) Schema() Schema {
	return s.schema
}

func (s *Store) columns(ctx context.Context, table string) ([]string, error) {
	query := `SELECT name FROM pragma_table_info(?);`
	if s.dialect == DialectPostgres {
		query = `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`
	}

	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan %s column: %w", table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s columns: %w", table, err)
	}
	return cols, nil
}

func columnSet(cols []string) map[string]bool {
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[strings.ToLower(c)] = true
	}
	return set
}

func pickColumn(set map[string]bool, synonyms []string, fallback string) string {
	for _, name := range synonyms {
		if set[name] {
			return name
		}
	}
	return fallback
}
