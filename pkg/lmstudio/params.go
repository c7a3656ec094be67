package lmstudio

import "time"

var (
	LMStudioAPIHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}
	LMStudioAPIPorts = []int{1234, 12345}
)

const (
	SystemAPINamespace          = "system"
	LLMNamespace                = "llm"
	ModelListLoadedEndpoint     = "listLoaded"
	ModelLoadEndpoint           = "loadModel"
	ModelUnloadEndpoint         = "unloadModel"
	ModelListDownloadedEndpoint = "listDownloadedModels"
	ModelChatEndpoint           = "predict"
	LMStudioAPIVersion          = 1
)

const (
	// RPCTimeout bounds a single rpcCall when the caller's context has no deadline.
	RPCTimeout             = 30 * time.Second
	HandshakeTimeout       = 15 * time.Second
	MaxConnectionRetries   = 3
	ConnectionRetryDelay   = 2 * time.Second
	DefaultPredictMaxToken = 4096
)
