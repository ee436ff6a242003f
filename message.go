package remap

import (
	"fmt"
	"strconv"
	"strings"
)

// HandleMessage dispatches one runtime management message. Messages
// mutate the same state as the programmatic API under the same
// invariants; the returned string is the human-readable reply.
func (d *Device) HandleMessage(args []string) (string, error) {
	if len(args) == 0 {
		return "", NewDeviceError("message", d.name, KindUnknownMessage, "empty message")
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "add_remap":
		main, spare, length, err := parseAddRemap(rest)
		if err != nil {
			return "", err
		}
		if err := d.AddRemap(main, spare, length); err != nil {
			return "", err
		}
		return fmt.Sprintf("remapped %d -> %d (%d sectors)", main, spare, length), nil

	case "remove_remap":
		if len(rest) != 1 {
			return "", NewError("message", KindInvalidParameters, "usage: remove_remap <main>")
		}
		main, err := parseSector(rest[0])
		if err != nil {
			return "", err
		}
		if err := d.RemoveRemap(main); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed remap at %d", main), nil

	case "clear_all":
		n := len(d.Remaps())
		if err := d.ClearAll(); err != nil {
			return "", err
		}
		return fmt.Sprintf("cleared %d remaps", n), nil

	case "save":
		if err := d.Save(); err != nil {
			return "", err
		}
		return fmt.Sprintf("metadata persisted, version counter %d", d.meta.Counter()), nil

	case "metadata_status":
		return d.formatMetadataStatus(), nil

	case "status":
		return d.Status().String(), nil

	case "stats":
		return d.Stats(), nil

	case "spare_add":
		if len(rest) != 1 {
			return "", NewError("message", KindInvalidParameters, "usage: spare_add <path>")
		}
		if err := d.SpareAdd(rest[0]); err != nil {
			return "", err
		}
		return "spare added", nil

	case "spare_remove":
		if len(rest) != 1 {
			return "", NewError("message", KindInvalidParameters, "usage: spare_remove <path>")
		}
		if err := d.SpareRemove(rest[0]); err != nil {
			return "", err
		}
		return "spare removed", nil

	case "help":
		return helpText, nil

	default:
		return "", NewDeviceError("message", d.name, KindUnknownMessage,
			fmt.Sprintf("unknown message %q; try help", cmd))
	}
}

const helpText = `recognized messages:
  add_remap <main> <spare> <len>  create a remap
  remove_remap <main>             delete a remap
  clear_all                       delete all remaps
  save                            force a metadata persist
  metadata_status                 per-copy metadata state
  status                          positional status line
  stats                           human-readable statistics
  spare_add <path>                attach a spare device
  spare_remove <path>             detach a spare device
  help                            this text`

func parseAddRemap(rest []string) (main, spare uint64, length uint32, err error) {
	if len(rest) != 3 {
		return 0, 0, 0, NewError("message", KindInvalidParameters,
			"usage: add_remap <main> <spare> <len>")
	}
	if main, err = parseSector(rest[0]); err != nil {
		return
	}
	if spare, err = parseSector(rest[1]); err != nil {
		return
	}
	n, perr := strconv.ParseUint(rest[2], 10, 32)
	if perr != nil || n == 0 {
		return 0, 0, 0, NewError("message", KindInvalidParameters,
			fmt.Sprintf("bad length %q", rest[2]))
	}
	length = uint32(n)
	return
}

func parseSector(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, NewError("message", KindInvalidParameters, fmt.Sprintf("bad sector %q", s))
	}
	return v, nil
}

func (d *Device) formatMetadataStatus() string {
	st := d.meta.MetadataStatus()
	var b strings.Builder
	fmt.Fprintf(&b, "version counter %d, dirty=%v\n", st.Counter, st.Dirty)
	for _, c := range st.Copies {
		state := "invalid"
		if c.Valid {
			state = fmt.Sprintf("valid v%d", c.Counter)
		}
		fmt.Fprintf(&b, "  copy @%-6d %s (%s)\n", c.Sector, state, c.Detail)
	}
	if !st.LastPersist.IsZero() {
		if st.LastPersistErr != "" {
			fmt.Fprintf(&b, "last persist %s: %s\n", st.LastPersist.Format("15:04:05"), st.LastPersistErr)
		} else {
			fmt.Fprintf(&b, "last persist %s: ok\n", st.LastPersist.Format("15:04:05"))
		}
	}
	return b.String()
}
