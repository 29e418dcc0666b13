package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// ShardInfo describes one configured connection.
type ShardInfo struct {
	Key       string `json:"key"`
	DSN       string `json:"dsn"`
	Connected bool   `json:"connected"`
}

// TypeInfo describes how one entity type is placed.
type TypeInfo struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	BindKey string   `json:"bind_key"`
	Hashed  bool     `json:"hashed"`
	Group   []string `json:"group,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type Topology struct {
	Shards []ShardInfo `json:"shards"`
	Types  []TypeInfo  `json:"types"`
}
