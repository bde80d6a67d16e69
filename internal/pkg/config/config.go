package config

// Config is the persisted runtime configuration of the meter. Field names
// mirror the on-disk JSON document, which is rewritten wholesale on every
// update.
type Config struct {
	IntervalConsumedLower  float64 `json:"interval_consumed_lower"`
	IntervalConsumedUpper  float64 `json:"interval_consumed_upper"`
	IntervalGeneratedLower float64 `json:"interval_generated_lower"`
	IntervalGeneratedUpper float64 `json:"interval_generated_upper"`
	MqttPublishEnabled     bool    `json:"mqtt_publish_enabled"`
	MqttHost               string  `json:"mqtt_host"`
	MqttPort               int     `json:"mqtt_port"`
	MqttUsername           string  `json:"mqtt_username"`
	MqttPassword           string  `json:"mqtt_password"`
	MqttCertFilename       string  `json:"mqtt_cert_filename"`
	// MqttTLSInsecure relaxes broker hostname verification while still
	// requiring the CA chain to validate. Defaults to true to support
	// self-signed broker certificates.
	MqttTLSInsecure bool `json:"mqtt_tls_insecure"`
}

// Partial is a sparse update to Config; nil fields are left untouched.
type Partial struct {
	IntervalConsumedLower  *float64
	IntervalConsumedUpper  *float64
	IntervalGeneratedLower *float64
	IntervalGeneratedUpper *float64
	MqttPublishEnabled     *bool
	MqttHost               *string
	MqttPort               *int
	MqttUsername           *string
	MqttPassword           *string
	MqttCertFilename       *string
	MqttTLSInsecure        *bool
}

func Default() Config {
	return Config{
		IntervalConsumedLower:  2.0,
		IntervalConsumedUpper:  5.0,
		IntervalGeneratedLower: 2.0,
		IntervalGeneratedUpper: 5.0,
		MqttPublishEnabled:     false,
		MqttPort:               1883,
		MqttTLSInsecure:        true,
	}
}

// normalize enforces the invariant that interval bounds are non-negative.
// Inverted bounds are left alone; the reading sources swap them at sampling
// time.
func (c *Config) normalize() {
	for _, b := range []*float64{
		&c.IntervalConsumedLower, &c.IntervalConsumedUpper,
		&c.IntervalGeneratedLower, &c.IntervalGeneratedUpper,
	} {
		if *b < 0 {
			*b = 0
		}
	}
}
