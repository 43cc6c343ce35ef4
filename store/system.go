package store

// Reserved tables carried in every store alongside user tables. Their
// physical shape is created by each backend's migrations; their schemas
// are registered here so the typed read/write path covers them too.
const (
	// OperationsTable holds pending local mutations awaiting push.
	OperationsTable = "__operations"
	// SyncStateTable holds (queryId, updatedAt) incremental-pull cursors.
	SyncStateTable = "__sync_state"
)

// SystemTableDefinitions returns the schemas of the reserved tables.
func SystemTableDefinitions() []TableDefinition {
	return []TableDefinition{
		{
			Name: OperationsTable,
			Columns: map[string]ColumnType{
				"id":        TypeInteger,
				"tableName": TypeString,
				"itemId":    TypeString,
				"action":    TypeString,
			},
		},
		{
			Name: SyncStateTable,
			Columns: map[string]ColumnType{
				"id":    TypeString,
				"value": TypeDate,
			},
		},
	}
}

// NewTableDefinition builds a definition from column-type tokens,
// accepting the documented aliases.
func NewTableDefinition(name string, columns map[string]string) (TableDefinition, error) {
	def := TableDefinition{Name: name, Columns: make(map[string]ColumnType, len(columns))}
	for col, token := range columns {
		typ, err := ParseColumnType(token)
		if err != nil {
			return TableDefinition{}, err
		}
		def.Columns[col] = typ
	}
	return def, nil
}
