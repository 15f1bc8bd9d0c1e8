package db

import (
	"encoding/json"
	"time"
)

// Item maps wire.items: one discovered news reference moving through the pipeline.
type Item struct {
	ItemID            int64           `gorm:"column:item_id;primaryKey;autoIncrement"`
	ItemUUID          string          `gorm:"column:item_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Source            string          `gorm:"column:source;type:text;not null;uniqueIndex:idx_items_source_item,priority:1"`
	SourceItemID      string          `gorm:"column:source_item_id;type:text;not null;uniqueIndex:idx_items_source_item,priority:2"`
	Title             string          `gorm:"column:title;type:text;not null"`
	Snippet           string          `gorm:"column:snippet;type:text;not null;default:''"`
	RawURL            string          `gorm:"column:raw_url;type:text;not null"`
	CanonicalURL      *string         `gorm:"column:canonical_url;type:text"`
	Language          string          `gorm:"column:language;type:text;not null;default:und"`
	DiscoveredAt      time.Time       `gorm:"column:discovered_at;type:timestamptz;not null"`
	Status            string          `gorm:"column:status;type:text;not null;default:discovered;index"`
	Embedding         *string         `gorm:"column:embedding;type:text"`
	RiskScore         *float64        `gorm:"column:risk_score;type:double precision"`
	RiskFeatures      json.RawMessage `gorm:"column:risk_features;type:jsonb"`
	RankScore         *float64        `gorm:"column:rank_score;type:double precision"`
	DuplicateOfItemID *int64          `gorm:"column:duplicate_of_item_id;type:bigint"`
	ThreadID          *int64          `gorm:"column:thread_id;type:bigint;index"`
	ResolveAttempts   int             `gorm:"column:resolve_attempts;type:integer;not null;default:0"`
	ContentText       *string         `gorm:"column:content_text;type:text"`
	FailureReason     *string         `gorm:"column:failure_reason;type:text"`
	CreatedAt         time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Item) TableName() string { return "wire.items" }

// ResolveQueueEntry maps wire.resolve_queue: one outstanding redirect
// resolution task. Terminal outcomes delete the row, so an entry exists if
// and only if its item is still resolve_pending.
type ResolveQueueEntry struct {
	EntryID        int64      `gorm:"column:entry_id;primaryKey;autoIncrement"`
	ItemID         int64      `gorm:"column:item_id;type:bigint;not null;unique"`
	AttemptCount   int        `gorm:"column:attempt_count;type:integer;not null;default:0"`
	LastAttemptAt  *time.Time `gorm:"column:last_attempt_at;type:timestamptz"`
	NextEligibleAt time.Time  `gorm:"column:next_eligible_at;type:timestamptz;not null;index"`
	ClaimedAt      *time.Time `gorm:"column:claimed_at;type:timestamptz"`
	CreatedAt      time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ResolveQueueEntry) TableName() string { return "wire.resolve_queue" }

// Thread maps wire.threads: a cluster of items covering the same story.
type Thread struct {
	ThreadID      int64     `gorm:"column:thread_id;primaryKey;autoIncrement"`
	ThreadUUID    string    `gorm:"column:thread_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Title         string    `gorm:"column:title;type:text;not null"`
	Centroid      string    `gorm:"column:centroid;type:text;not null"`
	MemberCount   int       `gorm:"column:member_count;type:integer;not null;default:1"`
	Status        string    `gorm:"column:status;type:text;not null;default:open;index"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	LastUpdatedAt time.Time `gorm:"column:last_updated_at;type:timestamptz;not null;index"`
}

func (Thread) TableName() string { return "wire.threads" }

// PipelineRun maps wire.pipeline_runs: one audited execution of one phase.
// Rows are append-only; a run is finalized exactly once and never mutated after.
type PipelineRun struct {
	RunID          int64           `gorm:"column:run_id;primaryKey;autoIncrement"`
	RunUUID        string          `gorm:"column:run_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	RunType        string          `gorm:"column:run_type;type:text;not null;index"`
	StartedAt      time.Time       `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt     *time.Time      `gorm:"column:finished_at;type:timestamptz"`
	Status         string          `gorm:"column:status;type:text;not null;default:running"`
	ItemsProcessed int             `gorm:"column:items_processed;type:integer;not null;default:0"`
	ItemsCreated   int             `gorm:"column:items_created;type:integer;not null;default:0"`
	ErrorCount     int             `gorm:"column:error_count;type:integer;not null;default:0"`
	Metadata       json.RawMessage `gorm:"column:metadata;type:jsonb"`
	ErrorMessage   *string         `gorm:"column:error_message;type:text"`
}

func (PipelineRun) TableName() string { return "wire.pipeline_runs" }

func autoMigrateModels() []any {
	return []any{
		&Item{},
		&ResolveQueueEntry{},
		&Thread{},
		&PipelineRun{},
	}
}
