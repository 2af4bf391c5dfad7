package protocol

import (
	"errors"
	"fmt"
)

// Recognized command types.
const (
	CmdNavigate       = "navigate"
	CmdOpen           = "open"
	CmdBack           = "back"
	CmdForward        = "forward"
	CmdReload         = "reload"
	CmdClose          = "close"
	CmdSnapshot       = "snapshot"
	CmdClick          = "click"
	CmdDblClick       = "dblclick"
	CmdFill           = "fill"
	CmdType           = "type"
	CmdPress          = "press"
	CmdHover          = "hover"
	CmdFocus          = "focus"
	CmdCheck          = "check"
	CmdUncheck        = "uncheck"
	CmdSelect         = "select"
	CmdScroll         = "scroll"
	CmdScrollIntoView = "scrollintoview"
	CmdGet            = "get"
	CmdIs             = "is"
	CmdFind           = "find"
	CmdDrag           = "drag"
	CmdUpload         = "upload"
	CmdMouse          = "mouse"
	CmdWait           = "wait"
	CmdTab            = "tab"
	CmdTabNew         = "tab_new"
	CmdTabClose       = "tab_close"
	CmdTabSwitch      = "tab_switch"
	CmdTabList        = "tab_list"
	CmdScreenshot     = "screenshot"
	CmdPDF            = "pdf"
	CmdEval           = "eval"
)

// commandTypes is the set of types accepted from clients.
var commandTypes = map[string]struct{}{
	CmdNavigate: {}, CmdOpen: {}, CmdBack: {}, CmdForward: {}, CmdReload: {},
	CmdClose: {}, CmdSnapshot: {}, CmdClick: {}, CmdDblClick: {}, CmdFill: {},
	CmdType: {}, CmdPress: {}, CmdHover: {}, CmdFocus: {}, CmdCheck: {},
	CmdUncheck: {}, CmdSelect: {}, CmdScroll: {}, CmdScrollIntoView: {},
	CmdGet: {}, CmdIs: {}, CmdFind: {}, CmdDrag: {}, CmdUpload: {},
	CmdMouse: {}, CmdWait: {}, CmdTab: {}, CmdTabNew: {}, CmdTabClose: {},
	CmdTabSwitch: {}, CmdTabList: {}, CmdScreenshot: {}, CmdPDF: {}, CmdEval: {},
}

// navigationTypes are eligible to auto-launch a browser when the target
// session has no extension yet.
var navigationTypes = map[string]struct{}{
	CmdNavigate: {},
	CmdOpen:     {},
	CmdTabNew:   {},
}

// ErrInvalidCommand is returned by Validate for structurally bad commands.
var ErrInvalidCommand = errors.New("invalid command structure")

// IsCommandType reports whether t is a recognized command type.
func IsCommandType(t string) bool {
	_, ok := commandTypes[t]
	return ok
}

// IsNavigationType reports whether t is a navigation-class command.
func IsNavigationType(t string) bool {
	_, ok := navigationTypes[t]
	return ok
}

// Validate checks the structural requirements on a command: a non-empty
// id, and a recognized type. Params typing is enforced by JSON decoding.
func (c *Command) Validate() error {
	if c == nil {
		return ErrInvalidCommand
	}
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidCommand)
	}
	if !IsCommandType(c.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

// tabActions maps synthetic tab command types to the action carried in
// the translated tab command's params.
var tabActions = map[string]string{
	CmdTabNew:    "new",
	CmdTabClose:  "close",
	CmdTabSwitch: "switch",
	CmdTabList:   "list",
}

// ToExtension translates a client command into the wire form the
// extension understands: navigate becomes open, and the synthetic
// tab_* types collapse into tab with a params.action discriminator.
// All other types pass through verbatim.
func (c *Command) ToExtension() ExtensionCommand {
	ext := ExtensionCommand{ID: c.ID, Type: c.Type, Params: c.Params}

	switch {
	case c.Type == CmdNavigate:
		ext.Type = CmdOpen
	default:
		if action, ok := tabActions[c.Type]; ok {
			ext.Type = CmdTab
			params := make(map[string]any, len(c.Params)+1)
			for k, v := range c.Params {
				params[k] = v
			}
			params["action"] = action
			ext.Params = params
		}
	}
	return ext
}
