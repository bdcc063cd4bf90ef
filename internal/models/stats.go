package models

// Stats holds the driver counters. Values only grow until an operator reset.
type Stats struct {
	RXCount     uint32 `json:"rx_count"`
	TXCount     uint32 `json:"tx_count"`
	RXDropped   uint32 `json:"rx_dropped"`
	TXFailed    uint32 `json:"tx_failed"`
	BusOffCount uint32 `json:"bus_off_count"`
	ErrorCount  uint32 `json:"error_count"`
}
