package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-resq/server/contact"
	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

const commandTrigger = "resq"

const helpText = "###### ResQ - send your location to trusted contacts\n" +
	"* `/resq add <number> [name]` - add a trusted contact\n" +
	"* `/resq remove <number>` - remove a trusted contact\n" +
	"* `/resq list` - list your trusted contacts\n" +
	"* `/resq start` - start sending SOS messages with your location\n" +
	"* `/resq stop` - stop sending SOS messages\n" +
	"* `/resq status` - show whether SOS is active\n" +
	"* `/resq consent grant|revoke` - allow or forbid sharing your location\n"

func getCommand() *model.Command {
	return &model.Command{
		Trigger:          commandTrigger,
		DisplayName:      "ResQ",
		Description:      "Send your location to trusted contacts in an emergency.",
		AutoComplete:     true,
		AutoCompleteDesc: "Available commands: add, remove, list, start, stop, status, consent, help",
		AutoCompleteHint: "[command]",
		AutocompleteData: getAutocompleteData(),
	}
}

func getAutocompleteData() *model.AutocompleteData {
	resq := model.NewAutocompleteData(commandTrigger, "[command]", "Send your location to trusted contacts")

	add := model.NewAutocompleteData("add", "<number> [name]", "Add a trusted contact")
	add.AddTextArgument("Phone number", "<number>", "")
	add.AddTextArgument("Contact name", "[name]", "")
	resq.AddCommand(add)

	remove := model.NewAutocompleteData("remove", "<number>", "Remove a trusted contact")
	remove.AddTextArgument("Phone number", "<number>", "")
	resq.AddCommand(remove)

	resq.AddCommand(model.NewAutocompleteData("list", "", "List your trusted contacts"))
	resq.AddCommand(model.NewAutocompleteData("start", "", "Start sending SOS messages with your location"))
	resq.AddCommand(model.NewAutocompleteData("stop", "", "Stop sending SOS messages"))
	resq.AddCommand(model.NewAutocompleteData("status", "", "Show whether SOS is active"))

	consent := model.NewAutocompleteData("consent", "grant|revoke", "Allow or forbid sharing your location")
	consent.AddStaticListArgument("", true, []model.AutocompleteListItem{
		{Item: "grant", HelpText: "Allow ResQ to share your location"},
		{Item: "revoke", HelpText: "Forbid ResQ to share your location"},
	})
	resq.AddCommand(consent)

	resq.AddCommand(model.NewAutocompleteData("help", "", "Show help"))

	return resq
}

func ephemeral(text string) *model.CommandResponse {
	return &model.CommandResponse{
		ResponseType: model.CommandResponseTypeEphemeral,
		Text:         text,
	}
}

// ExecuteCommand handles /resq.
func (p *Plugin) ExecuteCommand(c *plugin.Context, args *model.CommandArgs) (*model.CommandResponse, *model.AppError) {
	fields := strings.Fields(args.Command)
	if len(fields) == 0 || fields[0] != "/"+commandTrigger {
		return ephemeral(helpText), nil
	}

	subcommand := "help"
	if len(fields) > 1 {
		subcommand = fields[1]
	}
	params := fields[min(len(fields), 2):]

	userID := args.UserId

	switch subcommand {
	case "add":
		return p.executeAdd(userID, params), nil
	case "remove":
		return p.executeRemove(userID, params), nil
	case "list":
		return p.executeList(userID), nil
	case "start":
		return p.executeStart(userID), nil
	case "stop":
		return p.executeStop(userID), nil
	case "status":
		return p.executeStatus(userID), nil
	case "consent":
		return p.executeConsent(userID, params), nil
	case "help":
		return ephemeral(helpText), nil
	default:
		return ephemeral(fmt.Sprintf("Unknown command `%s`.\n\n%s", subcommand, helpText)), nil
	}
}

func (p *Plugin) executeAdd(userID string, params []string) *model.CommandResponse {
	if len(params) == 0 {
		return ephemeral("Usage: `/resq add <number> [name]`")
	}

	number, name := splitNumberAndName(params)
	record, err := p.addContact(userID, name, number)
	switch {
	case errors.Is(err, contact.ErrInvalidFormat):
		return ephemeral("Invalid phone number: it must contain at least 10 digits.")
	case errors.Is(err, contact.ErrDuplicateContact):
		return ephemeral(fmt.Sprintf("Contact already exists: %s (%s).", record.Name, record.Number))
	case err != nil:
		p.API.LogError("Failed to add contact", "userId", userID, "error", err.Error())
		return ephemeral("Failed to save the contact. Please try again.")
	}

	return ephemeral(fmt.Sprintf("Added %s (%s) to your trusted contacts.", record.Name, record.Number))
}

// splitNumberAndName treats the leading tokens made only of digits and phone
// punctuation as the number, so "+91 98-765 43210 Bob" adds Bob.
func splitNumberAndName(params []string) (string, string) {
	count := 0
	for count < len(params) && isPhoneToken(params[count]) {
		count++
	}
	if count == 0 {
		count = 1
	}

	return strings.Join(params[:count], " "), strings.Join(params[count:], " ")
}

func isPhoneToken(token string) bool {
	return token != "" && strings.Trim(token, "0123456789+-().") == ""
}

func (p *Plugin) executeRemove(userID string, params []string) *model.CommandResponse {
	if len(params) == 0 {
		return ephemeral("Usage: `/resq remove <number>`")
	}

	record, err := p.removeContact(userID, strings.Join(params, ""))
	switch {
	case errors.Is(err, contact.ErrInvalidFormat):
		return ephemeral("Invalid phone number: it must contain at least 10 digits.")
	case err != nil:
		p.API.LogError("Failed to remove contact", "userId", userID, "error", err.Error())
		return ephemeral("Failed to remove the contact. Please try again.")
	}

	return ephemeral(fmt.Sprintf("Removed %s from your trusted contacts.", record.Number))
}

func (p *Plugin) executeList(userID string) *model.CommandResponse {
	contacts, err := p.listContacts(userID)
	if err != nil {
		p.API.LogError("Failed to list contacts", "userId", userID, "error", err.Error())
		return ephemeral("Failed to load your contacts. Please try again.")
	}

	if len(contacts) == 0 {
		return ephemeral("You have no trusted contacts. Add one with `/resq add <number> [name]`.")
	}

	var sb strings.Builder
	sb.WriteString("###### Trusted contacts\n")
	for _, record := range contacts {
		sb.WriteString(fmt.Sprintf("* %s - %s\n", record.Name, record.Number))
	}

	return ephemeral(sb.String())
}

func (p *Plugin) executeStart(userID string) *model.CommandResponse {
	_, started, err := p.startSession(userID)

	var permissionErr *PermissionError
	switch {
	case errors.Is(err, ErrNoContacts):
		return ephemeral("Add contacts first!")
	case errors.As(err, &permissionErr):
		return ephemeral("SOS cannot start:\n* " + strings.Join(permissionErr.Missing, "\n* "))
	case err != nil:
		p.API.LogError("Failed to start SOS", "userId", userID, "error", err.Error())
		return ephemeral("Failed to start SOS. Please try again.")
	}

	if !started {
		return ephemeral("SOS is already active.")
	}

	interval := p.getConfiguration().AlertInterval()
	return ephemeral(fmt.Sprintf("SOS started. Your location will be sent to your trusted contacts every %s until you stop it.", interval))
}

func (p *Plugin) executeStop(userID string) *model.CommandResponse {
	if loop := p.sessions.Get(userID); loop == nil || loop.State() != sos.StateRunning {
		return ephemeral("SOS is not active.")
	}

	p.stopSession(userID)
	return ephemeral("SOS stopped.")
}

func (p *Plugin) executeStatus(userID string) *model.CommandResponse {
	status, err := p.statusFor(userID)
	if err != nil {
		p.API.LogError("Failed to get SOS status", "userId", userID, "error", err.Error())
		return ephemeral("Failed to load SOS status. Please try again.")
	}

	var sb strings.Builder
	if status.State == sos.StateRunning.String() {
		sb.WriteString(fmt.Sprintf("SOS is **active** since %s.\n", status.StartedAt.UTC().Format(time.RFC1123)))
	} else {
		sb.WriteString("SOS is **not active**.\n")
	}

	sb.WriteString(fmt.Sprintf("* Trusted contacts: %d\n", status.Contacts))
	sb.WriteString(fmt.Sprintf("* Location sharing allowed: %t\n", status.ConsentGranted))

	if status.LastRun != nil {
		sb.WriteString(fmt.Sprintf("* Last attempt: %s\n", status.LastRun.UTC().Format(time.RFC1123)))
	}
	if status.LastSuccess != nil {
		sb.WriteString(fmt.Sprintf("* Last alert delivered: %s\n", status.LastSuccess.UTC().Format(time.RFC1123)))
	}
	if status.LastPosition != nil {
		sb.WriteString(fmt.Sprintf("* Last location: %s\n", sos.MapLink(*status.LastPosition)))
	}
	if status.ConsecutiveFailures > 0 {
		sb.WriteString(fmt.Sprintf("* Consecutive failures: %d (%s)\n", status.ConsecutiveFailures, status.LastError))
	}

	return ephemeral(sb.String())
}

func (p *Plugin) executeConsent(userID string, params []string) *model.CommandResponse {
	if len(params) != 1 || (params[0] != "grant" && params[0] != "revoke") {
		return ephemeral("Usage: `/resq consent grant|revoke`")
	}

	granted := params[0] == "grant"
	if err := p.setConsent(userID, granted); err != nil {
		p.API.LogError("Failed to save consent", "userId", userID, "error", err.Error())
		return ephemeral("Failed to save your choice. Please try again.")
	}

	if granted {
		return ephemeral("ResQ may now share your location with your trusted contacts while SOS is active.")
	}
	return ephemeral("ResQ will no longer share your location. Any active SOS was stopped.")
}
