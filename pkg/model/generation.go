package model

type GenerationRole string

const (
	GenerationRoleUser  GenerationRole = "user"
	GenerationRoleModel GenerationRole = "model"
)

type GenerationMessage struct {
	Role GenerationRole
	Text string
}

// GenerationRequest is the provider independent input of the Generation API
type GenerationRequest struct {
	SystemPrompt string
	Messages     []GenerationMessage
	Temperature  float32
	MaxTokens    int
}

// GenerationResponse is the text produced by the Generation API
type GenerationResponse struct {
	Text string
}
