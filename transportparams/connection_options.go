package transportparams

// ConnectionOptions is the bitset form of the wire's vector of 4-byte
// connection-option tags (spec.md §6 "Connection options"), parsed once
// at handshake time and carried on Parameters.GoogleConnectionOptions. No
// other package reads it: the congestion senders take their settings only
// from their own Params structs, so a set option does not change their
// behavior.
type ConnectionOptions uint16

const (
	// OptBWMX enables bandwidth resumption using the peer's max observed
	// bandwidth.
	OptBWMX ConnectionOptions = 1 << iota
	// OptBWRE enables bandwidth resumption using the peer's last observed
	// bandwidth.
	OptBWRE
	// OptTRTT allows address-token min-RTT seeding.
	OptTRTT
	// OptBSAO enables bandwidth-sampler overestimate avoidance.
	OptBSAO
	// OptB2NA disables adding ack-height to the PROBE_UP queueing
	// threshold.
	OptB2NA
	// OptB2RP disables the "avoid unnecessary PROBE_RTT" optimization.
	OptB2RP
	// OptBBR9 enables flexible_app_limited.
	OptBBR9
	// OptNRES disables TLS session resumption.
	OptNRES
)

var tagNames = map[string]ConnectionOptions{
	"BWMX": OptBWMX,
	"BWRE": OptBWRE,
	"TRTT": OptTRTT,
	"BSAO": OptBSAO,
	"B2NA": OptB2NA,
	"B2RP": OptB2RP,
	"BBR9": OptBBR9,
	"NRES": OptNRES,
}

// ParseConnectionOptions folds a wire tag vector into a bitset, ignoring
// tags this module does not recognize (forward compatibility: an unknown
// option is inert rather than fatal).
func ParseConnectionOptions(tags []string) ConnectionOptions {
	var opts ConnectionOptions
	for _, tag := range tags {
		opts |= tagNames[tag]
	}
	return opts
}

// Has reports whether opt is set.
func (o ConnectionOptions) Has(opt ConnectionOptions) bool { return o&opt != 0 }

// Tags returns the canonical 4-byte tag names set in o, in a stable
// (declaration) order.
func (o ConnectionOptions) Tags() []string {
	order := []string{"BWMX", "BWRE", "TRTT", "BSAO", "B2NA", "B2RP", "BBR9", "NRES"}
	var out []string
	for _, tag := range order {
		if o.Has(tagNames[tag]) {
			out = append(out, tag)
		}
	}
	return out
}
