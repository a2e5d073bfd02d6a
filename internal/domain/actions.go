/**
 * @description
 * This file defines the closed set of post-delivery event actions a listing
 * can attach to its leads. Each action variant carries only the fields it
 * needs and applies itself through the ActionDeps capability interface, so
 * the orchestrator never switches on a raw action-type string.
 */

package domain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ActionDeps are the CRM capabilities an event action may use. The concrete
// implementations live in the broader platform; the marketplace only depends
// on this interface.
type ActionDeps interface {
	AddContactToJourney(ctx context.Context, tenantID, contactID, journeyID uuid.UUID) error
	UpdateContactLeadStatus(ctx context.Context, tenantID, contactID uuid.UUID, status string) error
	SendContactSms(ctx context.Context, tenantID, contactID uuid.UUID, templateID string) error
	CreateContactTask(ctx context.Context, tenantID, contactID uuid.UUID, title string, dueInHours int) error
}

// EventAction is one post-delivery side effect configured on a listing.
type EventAction interface {
	Kind() string
	Apply(ctx context.Context, deps ActionDeps, tenantID, contactID uuid.UUID) error
}

// AddToJourneyAction enrolls the delivered contact into an automation journey.
type AddToJourneyAction struct {
	JourneyID uuid.UUID
}

func (a AddToJourneyAction) Kind() string { return "add_to_journey" }

func (a AddToJourneyAction) Apply(ctx context.Context, deps ActionDeps, tenantID, contactID uuid.UUID) error {
	return deps.AddContactToJourney(ctx, tenantID, contactID, a.JourneyID)
}

// UpdateStatusAction sets the contact's lead status.
type UpdateStatusAction struct {
	LeadStatus string
}

func (a UpdateStatusAction) Kind() string { return "update_status" }

func (a UpdateStatusAction) Apply(ctx context.Context, deps ActionDeps, tenantID, contactID uuid.UUID) error {
	return deps.UpdateContactLeadStatus(ctx, tenantID, contactID, a.LeadStatus)
}

// SendSmsAction sends a templated SMS to the delivered contact.
type SendSmsAction struct {
	TemplateID string
}

func (a SendSmsAction) Kind() string { return "send_sms" }

func (a SendSmsAction) Apply(ctx context.Context, deps ActionDeps, tenantID, contactID uuid.UUID) error {
	return deps.SendContactSms(ctx, tenantID, contactID, a.TemplateID)
}

// CreateTaskAction opens a follow-up task for the buyer's team.
type CreateTaskAction struct {
	Title      string
	DueInHours int
}

func (a CreateTaskAction) Kind() string { return "create_task" }

func (a CreateTaskAction) Apply(ctx context.Context, deps ActionDeps, tenantID, contactID uuid.UUID) error {
	return deps.CreateContactTask(ctx, tenantID, contactID, a.Title, a.DueInHours)
}

// ParseEventActions reads the "on_delivery" entries of a listing's lead
// parameters into typed actions. Unknown kinds are rejected so a
// misconfigured listing fails loudly at publish time rather than silently
// dropping side effects.
func ParseEventActions(leadParameters map[string]interface{}) ([]EventAction, error) {
	raw, ok := leadParameters["on_delivery"]
	if !ok {
		return nil, nil
	}
	entries, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("on_delivery must be a list, got %T", raw)
	}

	actions := make([]EventAction, 0, len(entries))
	for i, entry := range entries {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("on_delivery[%d] must be an object, got %T", i, entry)
		}
		kind, _ := fields["type"].(string)
		switch kind {
		case "add_to_journey":
			journeyID, err := uuid.Parse(stringField(fields, "journey_id"))
			if err != nil {
				return nil, fmt.Errorf("on_delivery[%d]: invalid journey_id: %w", i, err)
			}
			actions = append(actions, AddToJourneyAction{JourneyID: journeyID})
		case "update_status":
			status := stringField(fields, "lead_status")
			if status == "" {
				return nil, fmt.Errorf("on_delivery[%d]: lead_status is required", i)
			}
			actions = append(actions, UpdateStatusAction{LeadStatus: status})
		case "send_sms":
			templateID := stringField(fields, "template_id")
			if templateID == "" {
				return nil, fmt.Errorf("on_delivery[%d]: template_id is required", i)
			}
			actions = append(actions, SendSmsAction{TemplateID: templateID})
		case "create_task":
			title := stringField(fields, "title")
			if title == "" {
				return nil, fmt.Errorf("on_delivery[%d]: title is required", i)
			}
			due := 24
			if v, ok := fields["due_in_hours"].(float64); ok && v > 0 {
				due = int(v)
			}
			actions = append(actions, CreateTaskAction{Title: title, DueInHours: due})
		default:
			return nil, fmt.Errorf("on_delivery[%d]: unknown action type %q", i, kind)
		}
	}
	return actions, nil
}

func stringField(fields map[string]interface{}, key string) string {
	value, _ := fields[key].(string)
	return value
}
