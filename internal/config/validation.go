package config

func (c *Config) Validate(flags Flags) error {
	c.validated = false

	if err := c.validateService(flags); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if c.Ingest.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}

	c.validated = true
	return nil
}

func (c *Config) validateService(flags Flags) error {
	flagService, err := ServiceTypeFromString(flags.Service)
	if err != nil {
		return err
	}
	configService, err := c.GetService()
	if err != nil {
		return err
	}
	if c.Service != "" && configService != flagService && flags.Service != "" {
		return ErrMismatchedServiceType
	}
	if c.Service == "" {
		c.Service = flags.Service
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.MasterEncryptionSecret == "" {
		return ErrMissingMasterEncryptionSecret
	}
	if c.Store.Kind == "postgres" && c.Store.PostgresURL == "" {
		return ErrMissingStorePostgresURL
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Kind {
	case "memory":
		return nil
	case "redis":
		if c.Queue.RedisURL == "" {
			return ErrMissingQueueRedisURL
		}
		return nil
	default:
		return ErrInvalidQueueKind
	}
}
