// Package ndsmodel defines the concrete record types shared across the
// pipeline: NDSConfig and NDSFile (the metadata store's rows), MemberInfo
// and ArchiveInfo (the ZIP central-directory parser's output), and
// ScanStatus (per-NDS scanner telemetry). These are plain structs rather
// than the source's dynamic attribute dicts, per §9's guidance.
package ndsmodel

import "time"

// Protocol is the transport an NDSClient speaks.
type Protocol string

const (
	ProtocolFTP  Protocol = "FTP"
	ProtocolSFTP Protocol = "SFTP"
)

// DataType classifies an archive member per §3.
type DataType string

const (
	DataTypeMRO DataType = "MRO"
	DataTypeMDT DataType = "MDT"
)

// Parsed states an NDSFile row moves through (§3 state, §4.5 state machine).
type Parsed int

const (
	ParsedPending        Parsed = 0
	ParsedReserved       Parsed = 1
	ParsedDone           Parsed = 2
	ParsedSourceMissing  Parsed = -1
	ParsedError          Parsed = -2
)

// NDSConfig is the external, operator-managed description of one NDS.
// Consumed by Scanner/Gateway; its full relational home is out of scope,
// but this is the wire shape every component agrees on (§3, §6).
type NDSConfig struct {
	ID         int64    `json:"id"` // 0 means "not yet assigned"; the store assigns one on insert
	Protocol   Protocol `json:"protocol" validate:"required,oneof=FTP SFTP"`
	Address    string   `json:"address" validate:"required"`
	Port       int      `json:"port" validate:"required,min=1,max=65535"`
	Account    string   `json:"account"`
	Password   string   `json:"password"`
	MROPath    string   `json:"mro_path"`
	MROFilter  string   `json:"mro_filter"`
	MDTPath    string   `json:"mdt_path"`
	MDTFilter  string   `json:"mdt_filter"`
	Switch     int      `json:"switch"` // 0 disabled, 1 enabled
}

func (c NDSConfig) Enabled() bool { return c.Switch == 1 }

// TimeRange is one active task time-range fetched from the metadata store,
// used by the Scanner to intersect discovered candidates (§4.4 step 5).
type TimeRange struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Contains reports whether t falls within [StartTime, EndTime] inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.StartTime) && !t.After(r.EndTime)
}

// NDSFile is the pipeline's unit of work (§3).
type NDSFile struct {
	FileHash     string   `json:"file_hash"`
	NDSID        int64    `json:"nds_id"`
	FilePath     string   `json:"file_path"`
	SubFileName  string   `json:"sub_file_name"`
	HeaderOffset int64    `json:"header_offset"`
	CompressSize int64    `json:"compress_size"`
	FileSize     int64    `json:"file_size"`
	FlagBits     uint16   `json:"flag_bits"`
	CompressType uint16   `json:"compress_type"`
	DataType     DataType `json:"data_type"`
	ENodeBID     int64    `json:"enodeb_id"`
	FileTime     time.Time `json:"file_time"`
	Parsed       Parsed    `json:"parsed"`
	TaskUUID     string    `json:"task_uuid,omitempty"`
	LockTime     time.Time `json:"lock_time,omitempty"`
}

// MemberInfo is one ZIP central-directory entry's decoded metadata,
// payload-offset addressed per §4.1's contract.
type MemberInfo struct {
	SubFileName  string
	HeaderOffset int64 // payload offset: cdEntry.localHeaderOffset + firstMemberPayloadStart
	CompressSize int64
	FileSize     int64
	FlagBits     uint16
	CompressType uint16
}

// ArchiveInfo is the result of parsing one archive's central directory.
type ArchiveInfo struct {
	FilePath string
	Size     int64
	Members  []MemberInfo
}

// ScanStatus is per-NDS in-memory telemetry (§3).
type ScanStatus struct {
	NDSID        int64     `json:"nds_id"`
	LastScan     time.Time `json:"last_scan"`
	NextScan     time.Time `json:"next_scan"`
	LastError    string    `json:"last_error,omitempty"`
	Scanning     bool      `json:"scanning"`
	NewFileCount int       `json:"new_file_count"`
}

// ConnectionKey describes an in-pool transient connection (§3). The actual
// session type is protocol-specific and lives behind the ndsclient.Client
// interface; Pool only needs these bookkeeping fields.
type ConnectionKey struct {
	Protocol Protocol
	Host     string
	Port     int
}
