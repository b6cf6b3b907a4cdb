package topology

// Node is one mesh node as reported by the controller.
type Node struct {
	Name    string `json:"name"`
	MacAddr string `json:"mac_addr"`
	PopNode bool   `json:"pop_node"`
	Alive   bool   `json:"alive"`
}

// Link is one wireless link between two nodes.
type Link struct {
	Name     string `json:"name"`
	ANode    string `json:"a_node_name"`
	ZNode    string `json:"z_node_name"`
	AMac     string `json:"a_node_mac"`
	ZMac     string `json:"z_node_mac"`
	Alive    bool   `json:"is_alive"`
	Wireless bool   `json:"is_wireless"`
}

// Topology is the controller's current view of one network.
type Topology struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// SessionOptions configures one traffic session between two radios.
type SessionOptions struct {
	BitrateBps  int64  `json:"bitrate_bps,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "udp" or "tcp"
	DurationSec int    `json:"duration_sec,omitempty"`
}

// ScanRequest asks the controller to start an RF scan.
type ScanRequest struct {
	Type    string   `json:"type"` // "im" or "pbf"
	Mode    string   `json:"mode"` // "coarse", "fine", "relative"
	Targets []string `json:"targets,omitempty"`
}
