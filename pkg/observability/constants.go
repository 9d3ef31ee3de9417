package observability

const (
	AttrServiceName     = "service.name"
	AttrServiceVersion  = "service.version"
	AttrProviderType    = "provider.type"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrNamespace       = "memory.namespace"
	AttrMemoryID        = "memory.id"
	AttrCacheResult     = "cache.result"
	AttrErrorType       = "error.type"

	SpanLLMRequest    = "llm.request"
	SpanEmbedding     = "llm.embedding"
	SpanExtraction    = "memory.extraction"
	SpanSearch        = "memory.search"
	SpanConsolidation = "memory.consolidation"
	SpanPromotion     = "memory.promotion"

	DefaultServiceName  = "memori"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
)
