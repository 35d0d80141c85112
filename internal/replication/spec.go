package replication

import (
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/charlesng35/pawsync/internal/models"
	"github.com/charlesng35/pawsync/internal/store"
)

// CollectionSpec binds one local collection to its remote table and names
// the remote columns the replication layer cares about.
type CollectionSpec struct {
	// Name is the local collection name.
	Name string `mapstructure:"name" validate:"required"`
	// RemoteTable is the remote table or unified view. Defaults to Name.
	RemoteTable string `mapstructure:"remote_table"`

	IDField        string `mapstructure:"id_field"`
	NameField      string `mapstructure:"name_field"`
	ParentField    string `mapstructure:"parent_field"`
	PartitionField string `mapstructure:"partition_field"`
	UpdatedField   string `mapstructure:"updated_field"`
	DeletedField   string `mapstructure:"deleted_field"`
}

// WithDefaults fills the conventional column names.
func (c CollectionSpec) WithDefaults() CollectionSpec {
	if c.RemoteTable == "" {
		c.RemoteTable = c.Name
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.NameField == "" {
		c.NameField = "name"
	}
	if c.UpdatedField == "" {
		c.UpdatedField = "updated_at"
	}
	if c.DeletedField == "" {
		c.DeletedField = "deleted"
	}
	return c
}

// Partitioned reports whether the remote table shards by a partition key.
func (c CollectionSpec) Partitioned() bool {
	return c.PartitionField != ""
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

func parseBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int:
		return b != 0
	case int64:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b == "true" || b == "1" || b == "t"
	}
	return false
}

// DocumentFromRow converts a remote row into the local document shape,
// promoting the spec'd columns and folding the rest into Fields.
func (c CollectionSpec) DocumentFromRow(row store.Row) models.LocalDocument {
	doc := models.LocalDocument{
		Collection:      c.Name,
		RemoteUpdatedAt: parseTime(row[c.UpdatedField]),
		Deleted:         parseBool(row[c.DeletedField]),
		Fields:          datatypes.JSONMap{},
	}

	for key, value := range row {
		switch key {
		case c.IDField:
			doc.DocID = stringValue(value)
		case c.NameField:
			doc.Name = stringValue(value)
		case c.ParentField:
			if c.ParentField != "" {
				doc.ParentID = stringValue(value)
			}
		case c.PartitionField:
			if c.PartitionField != "" {
				doc.PartitionKey = stringValue(value)
			}
		case c.UpdatedField, c.DeletedField:
		default:
			doc.Fields[key] = value
		}
	}
	return doc
}

// RowFromDocument converts a local document back into remote row shape.
func (c CollectionSpec) RowFromDocument(doc models.LocalDocument) store.Row {
	row := store.Row{}
	for key, value := range doc.Fields {
		row[key] = value
	}
	row[c.IDField] = doc.DocID
	row[c.NameField] = doc.Name
	if c.ParentField != "" {
		row[c.ParentField] = doc.ParentID
	}
	if c.PartitionField != "" {
		row[c.PartitionField] = doc.PartitionKey
	}
	row[c.UpdatedField] = doc.RemoteUpdatedAt
	row[c.DeletedField] = doc.Deleted
	return row
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// makeDocs converts one pull batch into local documents.
func makeDocs(spec CollectionSpec, rows []store.Row) []models.LocalDocument {
	docs := make([]models.LocalDocument, len(rows))
	for i, row := range rows {
		docs[i] = spec.DocumentFromRow(row)
	}
	return docs
}
