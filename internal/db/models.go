package db

type Credential struct {
	Name      string `gorm:"column:name;primaryKey"`
	Token     string `gorm:"column:token;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Credential) TableName() string { return "credentials" }

type TaskRecord struct {
	TaskID       string `gorm:"column:task_id;primaryKey"`
	Goal         string `gorm:"column:goal;not null;default:''"`
	State        string `gorm:"column:state;not null;default:''"`
	ResultJSON   string `gorm:"column:result_json;not null;default:''"`
	ErrorJSON    string `gorm:"column:error_json;not null;default:''"`
	PendingRunID string `gorm:"column:pending_run_id;not null;default:''"`
	UpdateCount  int    `gorm:"column:update_count;not null;default:0"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
	LastModified int64  `gorm:"column:last_modified;not null;default:0"`
	CompletedAt  int64  `gorm:"column:completed_at;not null;default:0"`
}

func (TaskRecord) TableName() string { return "tasks" }

type TaskUpdateRecord struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID      string `gorm:"column:task_id;not null"`
	Seq         int    `gorm:"column:seq;not null;default:0"`
	Kind        string `gorm:"column:kind;not null"`
	Status      string `gorm:"column:status;not null;default:''"`
	PayloadJSON string `gorm:"column:payload_json;not null;default:''"`
	ReceivedAt  int64  `gorm:"column:received_at;not null;default:0"`
}

func (TaskUpdateRecord) TableName() string { return "task_updates" }
