package model

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Action is the classified category of a depot file action (§3). It
// collapses the raw action token reported by the depot into the fixed set
// the engine reasons about.
type Action int

const (
	Add Action = iota
	Edit
	Delete
	Branch
	MoveAdd
	MoveDelete
	Integrate
	Import
	Purge
	Archive

	// IntegrateDelete is synthetic: it marks the source side of an
	// integration that resulted in a delete on the target. ClassifyAction
	// returns it only for its own String() token, "FAKE merge delete";
	// callers that detect this case (an integration whose target action is
	// a delete) set it explicitly via SetFakeIntegrationDeleteAction.
	IntegrateDelete
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Edit:
		return "edit"
	case Delete:
		return "delete"
	case Branch:
		return "branch"
	case MoveAdd:
		return "move/add"
	case MoveDelete:
		return "move/delete"
	case Integrate:
		return "integrate"
	case Import:
		return "import"
	case Purge:
		return "purge"
	case Archive:
		return "archive"
	case IntegrateDelete:
		return "FAKE merge delete"
	default:
		return "unknown"
	}
}

// ClassifyAction maps the raw action token the depot reports into an
// Action, per §3's table, falling through to the logged-warning rules for
// unrecognized tokens.
func ClassifyAction(token string) Action {
	switch token {
	case "add":
		return Add
	case "edit":
		return Edit
	case "delete":
		return Delete
	case "branch":
		return Branch
	case "move/add":
		return MoveAdd
	case "move/delete":
		return MoveDelete
	case "integrate":
		return Integrate
	case "import":
		return Import
	case "purge":
		return Purge
	case "archive":
		return Archive
	case "FAKE merge delete":
		return IntegrateDelete
	}

	if strings.Contains(token, "delete") {
		logrus.WithField("action", token).Warn("unsupported action token, assuming delete")
		return Delete
	}
	if strings.Contains(token, "move/") {
		logrus.WithField("action", token).Warn("unsupported action token, assuming move/add")
		return MoveAdd
	}
	logrus.WithField("action", token).Warn("unsupported action token, assuming edit")
	return Edit
}

// deriveFlags returns (isIntegrated, isDeleted) for an Action per §3's table.
func deriveFlags(a Action) (isIntegrated, isDeleted bool) {
	switch a {
	case Branch, MoveAdd, Integrate, Import:
		return true, false
	case Delete, MoveDelete, Purge:
		return false, true
	case IntegrateDelete:
		return false, true
	case Archive:
		// archive is neither deleted nor integrated, despite the
		// source's ambiguous comments.
		return false, false
	default:
		return false, false
	}
}
