package voting

type titleStep struct {
	below int64
	title string
}

var titleSteps = []titleStep{
	{below: 1, title: "Reader"},
	{below: 1000, title: "Contributor"},
	{below: 10000, title: "Co-Author"},
	{below: 50000, title: "Senior Author"},
}

// TitleFor maps a contribution total to the rank shown next to a user.
func TitleFor(total int64) string {
	for _, step := range titleSteps {
		if total < step.below {
			return step.title
		}
	}
	return "Lead Author"
}
