package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	PersistResultsQueue string
	PersistLoginsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_answers_queue",
	PersistResultsQueue: "persist_results_queue",
	PersistLoginsQueue:  "persist_logins_queue",
}
