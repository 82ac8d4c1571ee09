package agent

import (
	"fmt"
	"strings"

	"github.com/pminervini/open-deep-research/types"
)

const systemPromptHeader = `You are an expert assistant who can solve any task using tool calls. You will be given a task to solve as best you can.
To do so, you have been given access to some tools.

The tool call you write is an action: after the tool is executed, you will get the result of the tool call as an "observation".
This Action/Observation can repeat N times, you should take several steps when needed.

You can use the result of the previous action as input for the next action.
To provide the final answer to the task, use an action blob with "name": "final_answer" tool. It is the only way to complete the task, else you will be stuck on a loop.`

const textActionFormat = `
Each action is a JSON blob written after "Action:" and containing a "name" and an "arguments" object, for example:

Action:
{
  "name": "web_search",
  "arguments": {"query": "population of Guangzhou 2021"}
}

You may request several actions in one step by giving a JSON array of such blobs.
Stop writing after the action: the observation will be provided to you.
Finish with:

Action:
{
  "name": "final_answer",
  "arguments": {"answer": "insert your final answer here"}
}`

const rulesSection = `
Here are the rules you should always follow to solve your task:
1. ALWAYS provide a tool call, else you will fail.
2. Always use the right arguments for the tools. Never use variable names as the action arguments, use the value instead.
3. Call a tool only when needed: do not call the search agent if you do not need information, try to solve the task yourself.
4. Never re-do a tool call that you previously did with the exact same parameters.`

// taskMessage wraps the task as the first user turn.
func taskMessage(task string) string {
	return "New task:\n" + task
}

const parseErrorFeedback = `Error: %s
Your previous output could not be turned into an action. Write exactly one action, either as a tool call or as a JSON blob after "Action:" with a "name" and an "arguments" object. Use the "final_answer" tool to give your answer.`

const initialPlanPrompt = `You are a world expert at analyzing a situation to derive facts, and plan accordingly towards solving a task.
Below I will present you a task. You will need to 1. build a survey of facts known or needed to solve the task, then 2. make a plan of action to solve the task.

## 1. Facts survey
Build a survey of facts known or needed to solve the task under these headings:
### 1.1. Facts given in the task
### 1.2. Facts to look up
### 1.3. Facts to derive

## 2. Plan
Develop a step-by-step high-level plan taking into account the above inputs and the list of facts.
This plan should involve individual tasks based on the available tools, that if executed correctly will yield the correct answer.
Do not skip steps, do not add any superfluous steps. Only write the high-level plan, DO NOT DETAIL INDIVIDUAL TOOL CALLS.
After writing the final step of the plan, write the '<end_plan>' tag and stop there.

%s

---
Now begin! Here is your task:
%s`

const updatePlanPrompt = `You are a world expert at analyzing a situation, and plan accordingly towards solving a task.
You have been given the following task:
%s

Below is the history of the attempts made so far to solve it.
%s

Considering the above, first update the facts survey: what did we learn, what is still to look up or derive.
Then write a new step-by-step high-level plan to solve the task. If the previous attempts met some success, build on them.
You have %d steps left. Only write the high-level plan, DO NOT DETAIL INDIVIDUAL TOOL CALLS.
After writing the final step of the plan, write the '<end_plan>' tag and stop there.

%s`

const forcedAnswerPrompt = `You ran out of steps before calling final_answer.
Based on everything above, give the best final answer you can to the task below, in plain text and without calling any tool.
If the information gathered is insufficient, say what is missing and give your best partial answer.

Task:
%s`

// buildSystemPrompt renders the system prompt. Tools are described inline
// only for text-mode providers; native providers receive them as schemas.
func buildSystemPrompt(cfg Config, schemas []types.ToolSchema, managed []ManagedInfo, native bool) string {
	var b strings.Builder
	b.WriteString(systemPromptHeader)
	if !native {
		b.WriteString("\n")
		b.WriteString(textActionFormat)
	}

	b.WriteString("\n\nYou only have access to these tools:\n")
	b.WriteString(describeTools(schemas, managed))

	if len(managed) > 0 {
		b.WriteString("\nYou can also give tasks to team members.\n")
		b.WriteString("Calling a team member works the same as calling a tool: give the task as the 'task' argument.\n")
		b.WriteString("Given that this team member is a real human, you should be very verbose in your task, it should be a long string providing informations as detailed as necessary.\n")
		b.WriteString("Here is a list of the team members that you can call:\n")
		for _, m := range managed {
			fmt.Fprintf(&b, "- %s: %s\n", m.Name, strings.TrimSpace(m.Description))
		}
	}

	b.WriteString(rulesSection)
	if instr := strings.TrimSpace(cfg.Instructions); instr != "" {
		b.WriteString("\n\n")
		b.WriteString(instr)
	}
	b.WriteString("\n\nNow Begin!")
	return b.String()
}

func describeTools(schemas []types.ToolSchema, managed []ManagedInfo) string {
	isManaged := make(map[string]bool, len(managed))
	for _, m := range managed {
		isManaged[m.Name] = true
	}
	var b strings.Builder
	for _, s := range schemas {
		if isManaged[s.Name] {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, strings.TrimSpace(s.Description))
		fmt.Fprintf(&b, "    Takes inputs: %s\n", compactJSON(s.Parameters))
		if s.OutputType != "" {
			fmt.Fprintf(&b, "    Returns an output of type: %s\n", s.OutputType)
		}
	}
	return b.String()
}

func planningPrompt(task string, first bool, history string, remaining int, tools string) string {
	toolSection := "Available tools:\n" + tools
	if first {
		return fmt.Sprintf(initialPlanPrompt, toolSection, task)
	}
	return fmt.Sprintf(updatePlanPrompt, task, history, remaining, toolSection)
}

// cleanPlan trims everything after the end-of-plan tag.
func cleanPlan(plan string) string {
	if i := strings.Index(plan, "<end_plan>"); i >= 0 {
		plan = plan[:i]
	}
	return strings.TrimSpace(plan)
}
