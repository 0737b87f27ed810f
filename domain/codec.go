package domain

import (
	"encoding/json"
	"fmt"
)

var payloadFactories = map[string]func() Payload{
	ProductCreated:      func() Payload { return &ProductCreatedEvent{} },
	ProductUpdated:      func() Payload { return &ProductUpdatedEvent{} },
	ProductPriceChanged: func() Payload { return &ProductPriceChangedEvent{} },
	ProductActivated:    func() Payload { return &ProductActivatedEvent{} },
	ProductDiscontinued: func() Payload { return &ProductDiscontinuedEvent{} },
	ProductDeleted:      func() Payload { return &ProductDeletedEvent{} },
}

// EncodePayload serializes an event payload for storage
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// DecodePayload deserializes a stored payload into its concrete value type
func DecodePayload(eventType string, data []byte) (Payload, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	ptr := factory()
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", eventType, err)
	}

	// Payloads travel by value everywhere else.
	switch p := ptr.(type) {
	case *ProductCreatedEvent:
		return *p, nil
	case *ProductUpdatedEvent:
		return *p, nil
	case *ProductPriceChangedEvent:
		return *p, nil
	case *ProductActivatedEvent:
		return *p, nil
	case *ProductDiscontinuedEvent:
		return *p, nil
	case *ProductDeletedEvent:
		return *p, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}
