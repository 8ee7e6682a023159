package config

type WorkerKeyStruct struct {
	PersistViolationsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue: "persist_proctor_violations_queue",
}
