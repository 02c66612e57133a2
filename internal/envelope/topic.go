package envelope

import (
	"fmt"
	"strings"
)

// Prefix is the first topic segment.
type Prefix string

const (
	// PrefixData carries data, broadcasts and replies between gateways.
	PrefixData Prefix = "ybo_gw"
	// PrefixRequest carries requests that expect a reply.
	PrefixRequest Prefix = "ybo_req"
	// PrefixCloud is reserved for cloud traffic. It is parsed but never
	// dispatched to gateway sync handlers.
	PrefixCloud Prefix = "to_yombo"
)

// Destinations with special meaning.
const (
	DestinationAll     = "all"
	DestinationCluster = "cluster"
	DestinationLocal   = "local"
)

// Topic is a parsed gateway topic:
//
//	ybo_gw/<src>/<dest>/<component_type>/<component_name>[/<sub>...]
//	ybo_req/<src>/<dest>/<component_type>/<component_name>[/<sub>...]
//	to_yombo/<component_name>/<id_a>/<id_b>
//
// For to_yombo topics Source and Destination hold id_a and id_b.
type Topic struct {
	Prefix        Prefix
	Source        string
	Destination   string
	ComponentType ComponentType
	ComponentName string
	SubPath       string
}

// Reserved reports whether the topic belongs to the reserved cloud prefix.
func (t Topic) Reserved() bool { return t.Prefix == PrefixCloud }

// String renders the topic in slash form.
func (t Topic) String() string {
	if t.Prefix == PrefixCloud {
		return strings.Join([]string{string(t.Prefix), t.ComponentName, t.Source, t.Destination}, "/")
	}
	s := strings.Join([]string{string(t.Prefix), t.Source, t.Destination, string(t.ComponentType), t.ComponentName}, "/")
	if t.SubPath != "" {
		s += "/" + t.SubPath
	}
	return s
}

// ParseTopic parses a slash-separated topic.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return Topic{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidTopic, s)
		}
	}

	switch Prefix(parts[0]) {
	case PrefixCloud:
		if len(parts) != 4 {
			return Topic{}, fmt.Errorf("%w: %q needs exactly 4 segments", ErrInvalidTopic, s)
		}
		return Topic{Prefix: PrefixCloud, ComponentName: parts[1], Source: parts[2], Destination: parts[3]}, nil

	case PrefixData, PrefixRequest:
		if len(parts) < 5 {
			return Topic{}, fmt.Errorf("%w: %q needs at least 5 segments", ErrInvalidTopic, s)
		}
		ct := ComponentType(parts[3])
		if !ct.Valid() {
			return Topic{}, fmt.Errorf("%w: unknown component type %q", ErrInvalidTopic, parts[3])
		}
		return Topic{
			Prefix:        Prefix(parts[0]),
			Source:        parts[1],
			Destination:   parts[2],
			ComponentType: ct,
			ComponentName: parts[4],
			SubPath:       strings.Join(parts[5:], "/"),
		}, nil

	default:
		return Topic{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidTopic, parts[0])
	}
}

// Filters returns the subscription filters a gateway needs to receive
// everything addressed to it, to "all" and to "cluster".
func Filters(gatewayID string) []string {
	filters := make([]string, 0, 6)
	for _, p := range []Prefix{PrefixData, PrefixRequest} {
		for _, dest := range []string{DestinationAll, DestinationCluster, gatewayID} {
			filters = append(filters, fmt.Sprintf("%s/+/%s/#", p, dest))
		}
	}
	return filters
}
