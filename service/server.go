package service

// Server is a front end serving a debugger to remote clients.
type Server interface {
	Run()
	Stop()
}
