package constant

const (
	ProductionEnvironment  = "production"
	DevelopmentEnvironment = "development"
)

const (
	BasketGatewayHTTPPort = "basket_gateway_http"
	BasketGatewayGRPCPort = "basket_gateway_grpc"

	BasketDatabase = "basket"
	BasketRedis    = "basket"
)

const (
	BasketQueueName  = "basket_client_queue"
	BasketQueueGroup = "basket_client_group"

	BasketStreamName          = "basket"
	BasketStreamSubjectAll    = "basket.client.*"
	BasketStreamSubjectInput  = "basket.client.request"
	BasketStreamSubjectOutput = "basket.client.output"

	BasketTimeoutHandlerRequest = "client_request"
)

const (
	AdapterSubjectIn  = "in"
	AdapterSubjectOut = "out"
)

const (
	AssociationCacheKeyPrefix = "basket:associations:"
)
