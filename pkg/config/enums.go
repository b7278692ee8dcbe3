package config

// BackendFamily identifies one supported LLM provider family.
type BackendFamily string

const (
	// BackendOpenAI is the OpenAI API (and OpenAI-compatible endpoints).
	BackendOpenAI BackendFamily = "openai"
	// BackendAnthropic is the Anthropic Claude API.
	BackendAnthropic BackendFamily = "anthropic"
	// BackendGemini is the Google Gemini API.
	BackendGemini BackendFamily = "gemini"
)

// IsValid checks if the backend family is valid.
func (f BackendFamily) IsValid() bool {
	switch f {
	case BackendOpenAI, BackendAnthropic, BackendGemini:
		return true
	default:
		return false
	}
}

// EndpointClass groups inbound operations for rate-limiting purposes.
type EndpointClass string

const (
	// EndpointClassGenerate covers article and book submissions.
	EndpointClassGenerate EndpointClass = "generate"
	// EndpointClassRead covers job and conversation lookups.
	EndpointClassRead EndpointClass = "read"
	// EndpointClassStream covers subscription stream establishment.
	EndpointClassStream EndpointClass = "stream"
)

// IsValid checks if the endpoint class is valid.
func (c EndpointClass) IsValid() bool {
	switch c {
	case EndpointClassGenerate, EndpointClassRead, EndpointClassStream:
		return true
	default:
		return false
	}
}
