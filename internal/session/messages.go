package session

import "encoding/json"

// Text frames are JSON objects with a required "type" field. Unknown types
// are ignored.
const (
	// Server-originated.
	TypeSessionInfo     = "session_info"
	TypeRealTimeUpdate  = "real_time_update"
	TypeSessionComplete = "session_complete"
	TypePong            = "pong"
	TypeUploadRequest   = "real_upload_request"
	TypeConnectionTest  = "connection_test"
	TypeStopTestAck     = "stop_test_ack"
	TypeMultistreamData = "multistream_data"

	// Client-originated.
	TypePing               = "ping"
	TypeRealUploadData     = "real_upload_data"
	TypeBulkUploadData     = "bulk_upload_data"
	TypeClientConfirmation = "client_confirmation"
	TypeStopTest           = "stop_test"
	TypeConnTestResponse   = "connection_test_response"
)

// envelope pulls the type tag out before full dispatch decoding.
type envelope struct {
	Type string `json:"type"`
}

type sessionInfoMsg struct {
	Type             string  `json:"type"`
	SessionID        string  `json:"session_id"`
	Persona          string  `json:"user_type"`
	ProfileName      string  `json:"profile_name"`
	DownloadMbps     float64 `json:"download_mbps"`
	UploadMbps       float64 `json:"upload_mbps"`
	UpdateIntervalMS int64   `json:"update_interval_ms"`
}

type pingMsg struct {
	Type      string `json:"type"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

type pongMsg struct {
	Type            string `json:"type"`
	Sequence        int64  `json:"sequence"`
	Timestamp       int64  `json:"timestamp"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

type uploadSizeMsg struct {
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type clientConfirmationMsg struct {
	Type          string `json:"type"`
	ReceivedBytes int64  `json:"received_bytes"`
	SentBytes     int64  `json:"sent_bytes"`
}

type uploadRequestMsg struct {
	Type        string `json:"type"`
	TargetBytes int64  `json:"target_bytes"`
	ChunkBytes  int64  `json:"chunk_bytes"`
	IntervalMS  int64  `json:"interval_ms"`
}

type connectionTestMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type stopTestAckMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type multistreamHeaderMsg struct {
	Type       string `json:"type"`
	StreamID   int    `json:"stream_id"`
	ChunkBytes int64  `json:"chunk_bytes"`
	Sequence   int64  `json:"sequence"`
}

type sessionCompleteMsg struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"session_id"`
	Reason        string  `json:"reason"`
	SentBytes     int64   `json:"server_sent_bytes"`
	ReceivedBytes int64   `json:"server_received_bytes"`
	DurationSec   float64 `json:"duration_seconds"`
}

// RealTimeUpdate is the per-tick metrics frame pushed to the peer. Exported
// because the worker /stats surface reuses the same shape.
type RealTimeUpdate struct {
	Type                string       `json:"type"`
	SessionID           string       `json:"session_id"`
	Persona             string       `json:"user_type"`
	ActualDownloadMbps  float64      `json:"actual_download_mbps"`
	ActualUploadMbps    float64      `json:"actual_upload_mbps"`
	AvgDownloadMbps     float64      `json:"avg_download_mbps"`
	AvgUploadMbps       float64      `json:"avg_upload_mbps"`
	ServerSentBytes     int64        `json:"server_sent_bytes"`
	ServerReceivedBytes int64        `json:"server_received_bytes"`
	ClientReceivedBytes int64        `json:"client_received_bytes"`
	ClientSentBytes     int64        `json:"client_sent_bytes"`
	Phase               string       `json:"burst_phase"`
	CycleCount          int          `json:"cycle_count"`
	Latency             LatencyStats `json:"latency"`
	ElapsedSec          float64      `json:"elapsed_seconds"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All message types marshal cleanly; a failure is a programming bug.
		panic(err)
	}
	return b
}
