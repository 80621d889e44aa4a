package index

import (
	"github.com/hashicorp/go-memdb"

	"programista_hub/internal/domain"
)

const (
	tableRecords   = "record"
	tableProviders = "provider"

	indexID       = "id"
	indexProvider = "provider"
	indexChannel  = "channel"
)

// recordRow is the memdb representation of a schedule record. Rows are
// never mutated after insertion; an update inserts a fresh row.
type recordRow struct {
	Provider string
	Channel  string
	Start    int64
	Record   domain.ScheduleRecord
}

func newRecordRow(rec domain.ScheduleRecord) *recordRow {
	key := rec.Key()
	return &recordRow{
		Provider: key.Provider,
		Channel:  key.Channel,
		Start:    key.Start,
		Record:   rec,
	}
}

type providerRow struct {
	ID   string
	Info domain.ProviderInfo
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRecords: {
				Name: tableRecords,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Provider"},
								&memdb.StringFieldIndex{Field: "Channel"},
								&memdb.IntFieldIndex{Field: "Start"},
							},
						},
					},
					indexProvider: {
						Name:    indexProvider,
						Indexer: &memdb.StringFieldIndex{Field: "Provider"},
					},
					indexChannel: {
						Name:    indexChannel,
						Indexer: &memdb.StringFieldIndex{Field: "Channel"},
					},
				},
			},
			tableProviders: {
				Name: tableProviders,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}
