package mqttcore

// Provider of Authentication and Authorization for server sessions.
// Callers must return non-nil errors if Auth fails.
type Auther interface {
	// Authenticate a user (client) trying to connect to the server.
	// username and password is optional and can be nil.
	// Returning a ConnectReturnCode selects the code sent in CONNACK,
	// any other error refuses with NotAuthorized.
	AuthUser(clientId string, username, password []byte) error

	// Authorizes a client for publishing to a Topic Name.
	AuthPublish(clientId string, topicName string) error

	// Authorizes a client for subscribing to a Topic Filter.
	// Returns the maximum QoS the client may be granted.
	AuthSubscription(clientId, topicFilter string, qos QoS) (QoS, error)
}
