package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	processCmds
	memoryCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing processes, semaphores and queues", processCmds},
	{"Translating addresses and looking up symbols", memoryCmds},
	{"Other commands", otherCmds},
}
