package context

type Key string

const (
	Claims Key = "claims"
	Params Key = "params"
	Route  Key = "route"
)
