package models

// Redis layout shared by the processor (writer) and the relay's redis feed (reader).
const (
	SnapshotKeyPrefix   = "price:"
	UpdateChannelPrefix = "prices."
)

// SnapshotKey is where the latest snapshot for symbol is stored.
func SnapshotKey(symbol string) string { return SnapshotKeyPrefix + symbol }

// UpdateChannel is the pub/sub channel fresh snapshots for symbol are published on.
func UpdateChannel(symbol string) string { return UpdateChannelPrefix + symbol }
