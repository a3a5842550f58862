// Package security implements the daemon's protection layers: the input
// scanner chain and intent verifier that gate plans before execution, the
// permission manager that gates OS-level resource access per action, and
// the output sanitizer applied to every result before it re-enters LLM
// context.
package security

import "github.com/llmos/llmosd/pkg/iml"

// Well-known permission identifiers. Plain string constants rather than an
// enum so community modules can define custom dotted names freely.
const (
	PermFilesystemRead      = "filesystem.read"
	PermFilesystemWrite     = "filesystem.write"
	PermFilesystemDelete    = "filesystem.delete"
	PermFilesystemSensitive = "filesystem.sensitive"

	PermCamera        = "device.camera"
	PermMicrophone    = "device.microphone"
	PermScreenCapture = "device.screen"
	PermKeyboard      = "device.keyboard"

	PermNetworkRead     = "network.read"
	PermNetworkSend     = "network.send"
	PermNetworkExternal = "network.external"

	PermDatabaseRead   = "data.database.read"
	PermDatabaseWrite  = "data.database.write"
	PermDatabaseDelete = "data.database.delete"
	PermCredentials    = "data.credentials"
	PermPersonalData   = "data.personal"

	PermProcessExecute = "os.process.execute"
	PermProcessKill    = "os.process.kill"
	PermAdmin          = "os.admin"

	PermBrowser   = "app.browser"
	PermEmailRead = "app.email.read"
	PermEmailSend = "app.email.send"

	PermGPIORead  = "iot.gpio.read"
	PermGPIOWrite = "iot.gpio.write"
	PermSensor    = "iot.sensor"
	PermActuator  = "iot.actuator"
)

// permissionRisk maps well-known permissions to their default risk level.
// Unknown permissions default to medium.
var permissionRisk = map[string]iml.RiskLevel{
	PermFilesystemRead:      iml.RiskLow,
	PermFilesystemWrite:     iml.RiskMedium,
	PermFilesystemDelete:    iml.RiskHigh,
	PermFilesystemSensitive: iml.RiskCritical,

	PermCamera:        iml.RiskHigh,
	PermMicrophone:    iml.RiskHigh,
	PermScreenCapture: iml.RiskMedium,
	PermKeyboard:      iml.RiskCritical,

	PermNetworkRead:     iml.RiskLow,
	PermNetworkSend:     iml.RiskMedium,
	PermNetworkExternal: iml.RiskMedium,

	PermDatabaseRead:   iml.RiskLow,
	PermDatabaseWrite:  iml.RiskMedium,
	PermDatabaseDelete: iml.RiskHigh,
	PermCredentials:    iml.RiskCritical,
	PermPersonalData:   iml.RiskHigh,

	PermProcessExecute: iml.RiskMedium,
	PermProcessKill:    iml.RiskHigh,
	PermAdmin:          iml.RiskCritical,

	PermBrowser:   iml.RiskMedium,
	PermEmailRead: iml.RiskMedium,
	PermEmailSend: iml.RiskHigh,

	PermGPIORead:  iml.RiskLow,
	PermGPIOWrite: iml.RiskMedium,
	PermSensor:    iml.RiskLow,
	PermActuator:  iml.RiskHigh,
}

// RiskOf returns the default risk level for a permission string.
func RiskOf(permission string) iml.RiskLevel {
	if level, ok := permissionRisk[permission]; ok {
		return level
	}
	return iml.RiskMedium
}
