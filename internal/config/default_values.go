package config

const (
	DefaultRuntimeContextTokenLimit = 24000
	DefaultProviderMaxRetries       = 3

	DefaultCompactionThreshold      = 0.7
	DefaultCompactionRecentMessages = 6

	DefaultSafetyMaxParallelTools = 4
)
