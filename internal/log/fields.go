package log

// Common field names for structured logging.
const (
	FieldComponent     = "component"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldMonth         = "month"
	FieldList          = "list"
	FieldItemName      = "item_name"
	FieldTemplateID    = "template_id"
	FieldAmountCents   = "amount_cents"
	FieldMonthsTouched = "months_touched"
	FieldQueueLen      = "queue_len"
	FieldUpdatedAt     = "updated_at"
	FieldDuration      = "duration_ms"
	FieldBackend       = "backend"
)

// Components defines standard component names.
const (
	ComponentApp         = "app"
	ComponentLedger      = "ledger"
	ComponentPropagation = "propagation"
	ComponentCarryover   = "carryover"
	ComponentSync        = "sync"
	ComponentStorage     = "storage"
	ComponentRemote      = "remote"
	ComponentAMQP        = "amqp"
	ComponentConfig      = "config"
)

// Operations defines standard operation names.
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpList      = "list"
	OpFlush     = "flush"
	OpEnqueue   = "enqueue"
	OpAdopt     = "adopt"
	OpRehydrate = "rehydrate"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)
