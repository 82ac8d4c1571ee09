package research

// Agent names.
const (
	ManagerName  = "manager"
	SearcherName = "search_agent"
)

// SearchAgentDescription is how the manager sees its searcher.
const SearchAgentDescription = `A team member that will search the internet to answer your question.
Ask him for all your questions that require browsing the web.
Provide him as much context as possible, in particular if you need to search on a specific timeframe!
And don't hesitate to provide him with a complex search task, like finding a difference between two webpages.
Your request must be a real sentence, not a google search! Like "Find me this information (...)" rather than a few keywords.`

// SearchTaskSuffix is appended to every task delegated to the searcher.
const SearchTaskSuffix = `You can navigate to .txt online files.
If a non-html page is in another format, especially .pdf or a Youtube video, use tool 'inspect_file_as_text' to inspect it.
Additionally, if after some searching you find out that you need more information to answer the question, you can use ` + "`final_answer`" + ` with your request for clarification as argument to request for more information.`

const attachmentPreamble = "\n\nTo solve the task above, you will have to use these attached files:\n"
