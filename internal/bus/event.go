package bus

import "time"

// Category classifies events for downstream consumers.
type Category string

const (
	CategoryWS       Category = "WS"
	CategorySignal   Category = "SIGNAL"
	CategoryFilter   Category = "FILTER"
	CategoryOrder    Category = "ORDER"
	CategoryFill     Category = "FILL"
	CategoryPosition Category = "POSITION"
	CategoryRisk     Category = "RISK"
	CategorySystem   Category = "SYSTEM"
	CategoryError    Category = "ERROR"
)

// Level is the event severity.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Event is the unit of visibility into the engine. CorrelationID threads a
// signal through its risk decision, execution attempts and position change.
type Event struct {
	TS            time.Time      `json:"ts"`
	Level         Level          `json:"level"`
	Category      Category       `json:"category"`
	Symbol        string         `json:"symbol,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload,omitempty"`
}
