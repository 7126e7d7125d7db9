package domain

var Tables = []interface{}{
	&Tenant{},
	&BotSession{},
	&MessageTemplate{},
}
