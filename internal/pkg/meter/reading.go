package meter

import (
	"net"

	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02 15:04:05"

// Reading is one synthetic meter sample. Immutable once produced.
type Reading struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Power     float64 `json:"power"`
	IPAddr    string  `json:"ipAddr"`
	Timestamp string  `json:"timestamp"`
}

// localIP resolves the address readings are tagged with. The UDP dial never
// sends a packet; it only asks the kernel for the preferred outbound
// interface.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		zap.L().Warn("failed to resolve local ip, defaulting to loopback", zap.Error(err))
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
