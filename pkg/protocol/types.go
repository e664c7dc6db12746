package protocol

// MessageType identifies the payload variant carried by a Message.
type MessageType uint8

const (
    MsgUnknown        MessageType = iota
    MsgDiscovery                  // capability advertisement
    MsgHeartbeat                  // liveness ping
    MsgStatus                     // task report, config ack or node status
    MsgData                       // opaque application data
    MsgRoleAssignment             // coordinator -> node role
    MsgTaskAssignment             // coordinator -> node work item
    MsgElection                   // competing coordinator score
    MsgTopology                   // full topology snapshot
    MsgConfigUpdate               // runtime configuration change
    MsgEmergency                  // fleet-wide alert
    MsgDetectionEvent             // node -> coordinator detection
    msgTypeCount
)

func (t MessageType) String() string {
    switch t {
    case MsgDiscovery:
        return "discovery"
    case MsgHeartbeat:
        return "heartbeat"
    case MsgStatus:
        return "status"
    case MsgData:
        return "data"
    case MsgRoleAssignment:
        return "role_assignment"
    case MsgTaskAssignment:
        return "task_assignment"
    case MsgElection:
        return "election"
    case MsgTopology:
        return "topology"
    case MsgConfigUpdate:
        return "config_update"
    case MsgEmergency:
        return "emergency"
    case MsgDetectionEvent:
        return "detection_event"
    default:
        return "unknown"
    }
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return t > MsgUnknown && t < msgTypeCount }

// Role is the operational role a device plays in the fleet.
type Role uint8

const (
    RoleUnknown Role = iota
    RoleCoordinator
    RoleNode
    RoleCaptureNode
    RoleAIProcessor
    RoleHub
    RoleRelay
    RoleStealth
    RolePortable
    RoleEdgeSensor
    RoleStandalone
    roleCount
)

func (r Role) String() string {
    switch r {
    case RoleCoordinator:
        return "coordinator"
    case RoleNode:
        return "node"
    case RoleCaptureNode:
        return "capture_node"
    case RoleAIProcessor:
        return "ai_processor"
    case RoleHub:
        return "hub"
    case RoleRelay:
        return "relay"
    case RoleStealth:
        return "stealth"
    case RolePortable:
        return "portable"
    case RoleEdgeSensor:
        return "edge_sensor"
    case RoleStandalone:
        return "standalone"
    default:
        return "unknown"
    }
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r < roleCount }

// TaskStatus is the lifecycle state of a task and its node-side mirror.
type TaskStatus uint8

const (
    TaskPending TaskStatus = iota
    TaskRunning
    TaskCompleted
    TaskFailed
    TaskTimedOut
    taskStatusCount
)

func (s TaskStatus) String() string {
    switch s {
    case TaskPending:
        return "pending"
    case TaskRunning:
        return "running"
    case TaskCompleted:
        return "completed"
    case TaskFailed:
        return "failed"
    case TaskTimedOut:
        return "timed_out"
    default:
        return "unknown"
    }
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool { return s < taskStatusCount }

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed || s == TaskTimedOut }

// Broadcast is the target id addressing every device.
const Broadcast uint32 = 0
