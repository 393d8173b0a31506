package listener

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/developingchet/actionban/internal/jail"
)

// Command names understood on the wire.
const (
	CommandAction = "action"
	CommandJail   = "jail"
)

// Command is one parsed datagram.
//
//	action <jail> <ip> <count> <min_thresh> <sec_thresh> <expire_seconds>
//	jail   <jail> <min_thresh> <sec_thresh> <expire_seconds>
//
// min_thresh is the 60 second volume threshold, sec_thresh the single second
// burst threshold.
type Command struct {
	Name   string
	IP     string // action only
	Count  int64  // action only
	Config jail.Config
}

// ProtocolError describes a datagram that could not be parsed.
type ProtocolError struct {
	Reason   string
	Datagram string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed datagram %q: %s", e.Datagram, e.Reason)
}

// Parse decodes one datagram.
func Parse(datagram []byte) (Command, error) {
	raw := string(datagram)
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Command{}, &ProtocolError{Reason: "empty datagram", Datagram: raw}
	}

	switch fields[0] {
	case CommandAction:
		if len(fields) != 7 {
			return Command{}, &ProtocolError{
				Reason:   fmt.Sprintf("action takes 6 fields, got %d", len(fields)-1),
				Datagram: raw,
			}
		}
		nums, err := parseInts(fields[3:])
		if err != nil {
			return Command{}, &ProtocolError{Reason: err.Error(), Datagram: raw}
		}
		return Command{
			Name:   CommandAction,
			IP:     fields[2],
			Count:  nums[0],
			Config: jail.Config{Name: fields[1], Volume: nums[1], Burst: nums[2], Expire: nums[3]},
		}, nil

	case CommandJail:
		if len(fields) != 5 {
			return Command{}, &ProtocolError{
				Reason:   fmt.Sprintf("jail takes 4 fields, got %d", len(fields)-1),
				Datagram: raw,
			}
		}
		nums, err := parseInts(fields[2:])
		if err != nil {
			return Command{}, &ProtocolError{Reason: err.Error(), Datagram: raw}
		}
		return Command{
			Name:   CommandJail,
			Config: jail.Config{Name: fields[1], Volume: nums[0], Burst: nums[1], Expire: nums[2]},
		}, nil
	}
	return Command{}, &ProtocolError{Reason: fmt.Sprintf("unknown command %q", fields[0]), Datagram: raw}
}

func parseInts(fields []string) ([]int64, error) {
	out := make([]int64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q is not an integer", f)
		}
		out[i] = v
	}
	return out, nil
}
