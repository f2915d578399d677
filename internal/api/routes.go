package api

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.AgentInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)
	s.router.GET("/status", s.statusHandler.GetStatus)
	s.router.GET("/ws/status", s.statusHandler.StreamStatus(s.config.StatusPushInterval))

	transfers := s.router.Group("/transfers")
	{
		transfers.GET("", s.statusHandler.ListTransfers)
		transfers.GET("/:id", s.statusHandler.GetTransfer)
	}

	s.router.GET("/events/queue", s.statusHandler.GetEventQueue)
	s.router.GET("/frames/latest", s.statusHandler.GetLatestFrame)
	s.router.GET("/history", s.statusHandler.GetHistory)

	system := s.router.Group("/system")
	{
		system.GET("/stats", s.systemHandler.GetStats)
	}
}
