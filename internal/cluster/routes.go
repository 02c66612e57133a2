package cluster

import "github.com/nerrad567/gray-logic-gateway/internal/envelope"

// route identifies a lib handler. Unknown component names have no route
// and are rejected.
type route int

const (
	routeAtoms route = iota + 1
	routeStates
	routeDeviceStatus
	routeDeviceCommand
	routeDeviceCommandStatus
	routeNotification
	routeGateway
)

// Lib component names.
const (
	ComponentAtoms               = "atoms"
	ComponentStates              = "states"
	ComponentDeviceStatus        = "device_status"
	ComponentDeviceCommand       = "device_command"
	ComponentDeviceCommandStatus = "device_command_status"
	ComponentNotification        = "notification"
	ComponentGateway             = "gateway"

	// SystemPing is the system component used for ping requests and
	// their replies.
	SystemPing = "ping"
)

var libRoutes = map[string]route{
	ComponentAtoms:               routeAtoms,
	ComponentStates:              routeStates,
	ComponentDeviceStatus:        routeDeviceStatus,
	ComponentDeviceCommand:       routeDeviceCommand,
	ComponentDeviceCommandStatus: routeDeviceCommandStatus,
	ComponentNotification:        routeNotification,
	ComponentGateway:             routeGateway,
}

func (s *Sync) buildRoutes() {
	s.lib = map[route]Handler{
		routeAtoms:               s.importVariables(s.atoms),
		routeStates:              s.importVariables(s.states),
		routeDeviceStatus:        s.handleDeviceStatus,
		routeDeviceCommand:       s.handleDeviceCommand,
		routeDeviceCommandStatus: s.handleCommandStatus,
		routeNotification:        s.handleNotification,
		routeGateway:             s.handlePresence,
	}
	s.libRequests = map[route]Handler{
		routeAtoms:         s.replyVariables(s.atoms),
		routeStates:        s.replyVariables(s.states),
		routeDeviceStatus:  s.replyDeviceStatus,
		routeDeviceCommand: s.replyDeviceCommands,
	}
}

func (s *Sync) systemHandler(env envelope.Envelope) Handler {
	if env.ComponentName != SystemPing {
		return nil
	}
	if env.MessageType == envelope.MessageRequest {
		return s.answerPing
	}
	return s.handlePingReply
}
