package utils

// Deterministic provider responses served when no base URL/API key is
// configured, so local development and the rest of the pipeline work without
// a live provider.

func (c *EvolutionClient) mockCreateInstance(req CreateInstanceRequest) *InstanceCreated {
	return &InstanceCreated{
		ID:         req.InstanceName,
		ProviderID: "mock-" + req.InstanceName,
		Token:      "mock-token",
	}
}

func (c *EvolutionClient) mockQrCode(instanceID string) *QrCode {
	return &QrCode{
		Base64:      "data:image/png;base64,iVBORw0KGgoAAAANSUhEUg==",
		Code:        "mock-qr-" + instanceID,
		PairingCode: "MOCK-1234",
		Status:      "connecting",
		Count:       1,
	}
}

func (c *EvolutionClient) mockInstanceSummary(name string) *InstanceSummary {
	return &InstanceSummary{
		ID:              "mock-" + name,
		Name:            name,
		InstanceName:    name,
		Token:           "mock-token",
		ConnectionState: "open",
		Number:          "5511999990000",
		ProfileName:     "Mock Clinic",
	}
}

func (c *EvolutionClient) mockSendResult(req SendMessageRequest) *SendMessageResult {
	return &SendMessageResult{
		ID:     "mock-wamid-" + NormalizePhone(req.Number),
		Status: "PENDING",
	}
}

func (c *EvolutionClient) mockConversation(number string) []map[string]interface{} {
	phone := NormalizePhone(number)
	return []map[string]interface{}{
		{
			"key":              map[string]interface{}{"id": "mock-msg-1", "remoteJid": phone + "@s.whatsapp.net", "fromMe": false},
			"message":          map[string]interface{}{"conversation": "Olá, gostaria de agendar uma consulta"},
			"pushName":         "Paciente Demo",
			"messageType":      "conversation",
			"messageTimestamp": 1700000000,
		},
		{
			"key":              map[string]interface{}{"id": "mock-msg-2", "remoteJid": phone + "@s.whatsapp.net", "fromMe": true},
			"message":          map[string]interface{}{"conversation": "Claro! Qual o melhor horário para você?"},
			"messageType":      "conversation",
			"messageTimestamp": 1700000060,
		},
	}
}

func (c *EvolutionClient) mockChats() []map[string]interface{} {
	return []map[string]interface{}{
		{"id": "5511999990001@s.whatsapp.net", "name": "Paciente Demo", "unreadCount": 1},
		{"id": "5511999990002@s.whatsapp.net", "name": "Maria Souza", "unreadCount": 0},
	}
}
