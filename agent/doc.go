/*
Package agent implements the research agent loop.

# Overview

An Agent solves a task by alternating model calls and tool executions. Every
step optionally plans, asks the model for actions, executes them through a
tools.ToolExecutor and records the observations in Memory, which is replayed
into the next model call. The loop ends when the model calls final_answer or
when the step budget is spent.

	for each step (1..MaxSteps):
	    plan        every PlanningInterval steps, without tools
	    act         model call with tool schemas and stop sequences
	    parse       native tool calls, else a JSON action blob in the text
	    execute     actions before final_answer, in request order
	    record      append the Step to Memory

# Budget

A run that uses MaxSteps steps without a final answer makes one last call
without tools and returns a BUDGET_EXHAUSTED error carrying that partial
answer. The answer is never empty.

# Delegation

AddManagedAgent exposes another Agent as a tool named after it. The managed
agent runs in a fresh Memory under its own run ID, and only a textual summary
comes back. A managed run that exhausts its budget is reported as an
incomplete delegation instead of failing the delegator.
*/
package agent
