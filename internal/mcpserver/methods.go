package mcpserver

// method enumerates the JSON-RPC methods the transport recognizes.
// Anything else is methodUnrecognized, which the dispatcher treats as a
// tool-discovery request when lenient discovery is enabled.
type method int

const (
	methodInitialize method = iota
	methodInitialized
	methodPing
	methodToolsList
	methodToolsCall
	methodPromptsList
	methodResourcesList
	methodUnrecognized
)

func parseMethod(name string) method {
	switch name {
	case "initialize":
		return methodInitialize
	case "notifications/initialized", "initialized":
		return methodInitialized
	case "ping":
		return methodPing
	case "tools/list":
		return methodToolsList
	case "tools/call":
		return methodToolsCall
	case "prompts/list":
		return methodPromptsList
	case "resources/list":
		return methodResourcesList
	default:
		return methodUnrecognized
	}
}
