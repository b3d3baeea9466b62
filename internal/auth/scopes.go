package auth

// OAuth scopes accepted by the training API.
const (
	ScopeTrainingRead  = "training:read"
	ScopeTrainingWrite = "training:write"
)
