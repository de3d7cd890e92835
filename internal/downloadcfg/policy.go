package downloadcfg

import (
	"fmt"
	"strconv"
)

// CollisionPolicy defines how to handle existing target files.
// Values: "error" | "overwrite" | "rename".
type CollisionPolicy string

const (
	CollisionError     CollisionPolicy = "error"
	CollisionOverwrite CollisionPolicy = "overwrite"
	CollisionRename    CollisionPolicy = "rename"
)

// StartOptions carries per-transfer options that are independent of the
// engine's process-wide flags.
type StartOptions struct {
	Policy CollisionPolicy
	// Connections per server and pieces per file; zero leaves the engine
	// default in place.
	Connections int
	Split       int
}

// ParseCollisionPolicy converts a string to a CollisionPolicy with default.
func ParseCollisionPolicy(s string) CollisionPolicy {
	switch CollisionPolicy(s) {
	case CollisionOverwrite:
		return CollisionOverwrite
	case CollisionRename:
		return CollisionRename
	case CollisionError:
		fallthrough
	default:
		return CollisionError
	}
}

// Validate rejects unknown policies and negative connection counts.
func (o StartOptions) Validate() error {
	switch o.Policy {
	case "", CollisionError, CollisionOverwrite, CollisionRename:
	default:
		return fmt.Errorf("unknown collision policy %q", o.Policy)
	}
	if o.Connections < 0 || o.Split < 0 {
		return fmt.Errorf("connections and split must not be negative")
	}
	return nil
}

// Aria2Options renders the options as aria2 addUri options. Resume is
// always requested so partial payloads with a control file are continued.
func (o StartOptions) Aria2Options() map[string]string {
	opts := map[string]string{"continue": "true"}
	switch o.Policy {
	case CollisionOverwrite:
		opts["allow-overwrite"] = "true"
		opts["auto-file-renaming"] = "false"
	case CollisionRename:
		opts["allow-overwrite"] = "false"
		opts["auto-file-renaming"] = "true"
	default:
		opts["allow-overwrite"] = "false"
		opts["auto-file-renaming"] = "false"
	}
	if o.Connections > 0 {
		opts["max-connection-per-server"] = strconv.Itoa(o.Connections)
	}
	if o.Split > 0 {
		opts["split"] = strconv.Itoa(o.Split)
	}
	return opts
}
