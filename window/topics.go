package window

// Topics broadcast by the model viewer windows.
const (
	TopicLightUpdate      = "light_config_update"
	TopicModelUpdate      = "model_config_update"
	TopicCameraUpdate     = "camera_config_update"
	TopicBackgroundUpdate = "background_config_update"
	TopicAnimationUpdate  = "animation_config_update"
	TopicFullConfigSync   = "full_config_sync"
)

// KnownTopics lists the viewer topics in a stable order.
func KnownTopics() []string {
	return []string{
		TopicLightUpdate,
		TopicModelUpdate,
		TopicCameraUpdate,
		TopicBackgroundUpdate,
		TopicAnimationUpdate,
		TopicFullConfigSync,
	}
}
