package chat

import "strings"

// Change is a bitset of tracked mutation categories on a container. Dirty
// state is the union of changes since the last successful save.
type Change uint16

const (
	ChangeName Change = 1 << iota
	ChangeProvider
	ChangeModel
	ChangeTemperature
	ChangeOptions
	ChangeNumCtx
	ChangeMessages
	ChangeSystemPrompt
	ChangeDescription
	ChangeSubmitOnLoad
)

// sessionNotifyMask is the set of categories carried on session-updated
// notifications. The system prompt is tracked for save gating but announced
// through a message-level event instead.
const sessionNotifyMask = ChangeName | ChangeProvider | ChangeModel |
	ChangeTemperature | ChangeOptions | ChangeNumCtx | ChangeMessages

// promptNotifyMask is the set of categories carried on prompt-updated
// notifications.
const promptNotifyMask = ChangeName | ChangeDescription | ChangeMessages |
	ChangeSubmitOnLoad

var changeNames = []struct {
	bit  Change
	name string
}{
	{ChangeName, "name"},
	{ChangeProvider, "provider"},
	{ChangeModel, "model"},
	{ChangeTemperature, "temperature"},
	{ChangeOptions, "options"},
	{ChangeNumCtx, "num_ctx"},
	{ChangeMessages, "messages"},
	{ChangeSystemPrompt, "system_prompt"},
	{ChangeDescription, "description"},
	{ChangeSubmitOnLoad, "submit_on_load"},
}

// Has reports whether every category in mask is set.
func (c Change) Has(mask Change) bool { return c&mask == mask }

// Any reports whether at least one category in mask is set.
func (c Change) Any(mask Change) bool { return c&mask != 0 }

func (c Change) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, cn := range changeNames {
		if c&cn.bit != 0 {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, "|")
}
