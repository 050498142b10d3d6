package wire

// Provider tier request/response contracts. These mirror the HTTP surface the
// Worker and Service tiers consume; the Provider tier routes them to concrete
// backend instances.

// ChatRequest is the /llm/chat_complete input.
type ChatRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"` // [0,2]
	MaxTokens   int      `json:"max_tokens,omitempty"`  // [1,8192]
}

// ChatResponse is the /llm/chat_complete output.
type ChatResponse struct {
	Status   string `json:"status"` // success | error
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Image is one vision input image.
type Image struct {
	Mime   string `json:"mime"`
	Base64 string `json:"base64"`
}

// VisionRequest is the /llm/vision_complete input. At most 8 images, each
// at most 4 MiB decoded.
type VisionRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Images      []Image  `json:"images"`
}

// SandboxRequest is the /sandbox/run_file input.
type SandboxRequest struct {
	FileRef string `json:"file_ref"`
}

// SandboxResponse is the /sandbox/run_file output.
type SandboxResponse struct {
	Status    string            `json:"status"`
	Logs      []string          `json:"logs,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EmulatorRequest is the /emulator/run_app input.
type EmulatorRequest struct {
	AppRef       string `json:"app_ref"`
	Instructions string `json:"instructions"`
}

// Visuals carries the screenshots captured during an emulator run.
type Visuals struct {
	Screenshots []string `json:"screenshots"` // base64 PNG
}

// EmulatorResponse is the /emulator/run_app output.
type EmulatorResponse struct {
	Status  string   `json:"status"`
	TaskID  string   `json:"task_id,omitempty"`
	Visuals Visuals  `json:"visuals"`
	Events  []string `json:"events,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ErrorBody is the generic error envelope returned by internal tiers.
type ErrorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// VisionRequest limits.
const (
	MaxVisionImages    = 8
	MaxVisionImageSize = 4 << 20 // decoded bytes
)
