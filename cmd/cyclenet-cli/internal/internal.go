package internal

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("cyclenet-cli")

// Catch handles errors for cyclenet-cli commands packages
func Catch(err error, msgs ...string) {
	if err != nil {
		if len(msgs) > 0 {
			log.Fatalln(append(msgs, err.Error()))
		} else {
			log.Fatalln(err)
		}
	}
}

// ParseNodeID parses a node id.
func ParseNodeID(name, v string) uint16 {
	id, err := strconv.ParseUint(v, 10, 16)
	Catch(err, fmt.Sprintf("failed to parse <%s>:", name))
	return uint16(id)
}

// ColorizeState renders a peer or node state for terminal output.
func ColorizeState(state string) string {
	switch state {
	case "active", "normal":
		return color.GreenString("%s", state)
	case "broken", "recover":
		return color.RedString("%s", state)
	case "wait", "vetting", "stasis", "after-normal":
		return color.YellowString("%s", state)
	default:
		return state
	}
}
