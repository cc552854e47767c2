package lifecycle

import "qms/dispatch-service/internal/models"

var transitionMap = map[models.ActionType][]models.Status{
	models.ActionCall:         {models.StatusWaiting},
	models.ActionCancelCall:   {models.StatusProcessing},
	models.ActionComplete:     {models.StatusWaiting, models.StatusProcessing},
	models.ActionCancel:       {models.StatusWaiting, models.StatusProcessing},
	models.ActionTransfer:     {models.StatusWaiting, models.StatusProcessing},
	models.ActionRemark:       {models.StatusWaiting, models.StatusProcessing},
	models.ActionSystemCancel: {models.StatusWaiting},
}

func ValidTransition(action models.ActionType, from models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
